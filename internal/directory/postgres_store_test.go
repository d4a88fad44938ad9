package directory

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/apperr"
)

func newMockKioskStore(t *testing.T) (*PostgresStore[Kiosk, *Kiosk], sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore[Kiosk, *Kiosk](sqlx.NewDb(db, "postgres"), &KioskKind), mock
}

var kioskRowColumns = []string{
	"id", "created_at", "updated_at", "kiosk_code", "location", "area_code", "latitude",
	"longitude", "model", "software_version", "status", "last_heartbeat",
	"daily_transaction_limit", "current_daily_count", "installed_by_org",
}

func TestPostgresStore_CreateNamedInsert(t *testing.T) {
	store, mock := newMockKioskStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO kiosks \(id, created_at, updated_at, kiosk_code, .*\) VALUES \(\$1, \$2, \$3, \$4,`).
		WithArgs("ksk_1", now, now, "K1", "", "NRB-01", nil, nil, "", "", "OFFLINE", nil, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	k := &Kiosk{Base: Base{ID: "ksk_1", CreatedAt: now, UpdatedAt: now}, KioskCode: "K1", AreaCode: "NRB-01", Status: KioskOffline}
	require.NoError(t, store.Create(context.Background(), k))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, mock := newMockKioskStore(t)

	mock.ExpectExec(`INSERT INTO kiosks`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "kiosks_code_unique"})

	err := store.Create(context.Background(), &Kiosk{Base: Base{ID: "ksk_1"}, KioskCode: "K1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Contains(t, err.Error(), "kiosks_code_unique")
}

func TestPostgresStore_GetAndList(t *testing.T) {
	store, mock := newMockKioskStore(t)
	now := time.Now().UTC()
	row := []driver.Value{"ksk_1", now, now, "K1", "Market", "NRB-01", -1.31, 36.8, "X1", "2.0", "ONLINE", now, 100, 3, "org_1"}

	mock.ExpectQuery(`SELECT id, created_at, .* FROM kiosks WHERE id = \$1`).
		WithArgs("ksk_1").
		WillReturnRows(sqlmock.NewRows(kioskRowColumns).AddRow(row...))

	k, err := store.Get(context.Background(), "ksk_1")
	require.NoError(t, err)
	assert.Equal(t, "NRB-01", k.AreaCode)
	require.NotNil(t, k.Latitude)
	assert.InDelta(t, -1.31, *k.Latitude, 1e-9)
	assert.Equal(t, KioskOnline, k.Status)

	mock.ExpectQuery(`FROM kiosks WHERE area_code = \$1 AND id > \$2 ORDER BY id LIMIT 10`).
		WithArgs("NRB-01", "ksk_0").
		WillReturnRows(sqlmock.NewRows(kioskRowColumns).AddRow(row...))

	items, err := store.List(context.Background(), ListFilter{
		Match: map[string]string{"area": "NRB-01"},
		After: "ksk_0",
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ksk_1", items[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetMissing(t *testing.T) {
	store, mock := newMockKioskStore(t)

	mock.ExpectQuery(`FROM kiosks WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(kioskRowColumns))

	_, err := store.Get(context.Background(), "ksk_x")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	store, mock := newMockKioskStore(t)

	mock.ExpectExec(`UPDATE kiosks SET kiosk_code = \$1, .* WHERE id = \$\d+`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Update(context.Background(), &Kiosk{Base: Base{ID: "ksk_x"}, KioskCode: "K1"})
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestPostgresStore_UnavailableClassified(t *testing.T) {
	store, mock := newMockKioskStore(t)

	mock.ExpectQuery(`FROM kiosks`).WillReturnError(assert.AnError)

	_, err := store.List(context.Background(), ListFilter{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}
