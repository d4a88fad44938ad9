package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/money"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

var alertRowColumns = []string{
	"alert_id", "alert_type", "severity", "category", "title", "description",
	"source_system", "source_id", "affected_client_id", "affected_program_id",
	"affected_kiosk_id", "area_code", "status", "acknowledged_by", "acknowledged_at",
	"resolved_by", "resolved_at", "resolution_notes", "created_at",
}

func TestPostgresStore_AppendEntry(t *testing.T) {
	store, mock := newMockStore(t)
	amount := money.MustParse("12.50")

	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs("aud_1", OpTokenRedeemed, "tok_1", "prg_1", "cli_1", "ksk_1",
			"NRB-01", sqlmock.AnyArg(), OutcomeApplied, "", "", "adm_1", "req_1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.AppendEntry(context.Background(), &Entry{
		ID: "aud_1", Operation: OpTokenRedeemed, SubjectID: "tok_1", ProgramID: "prg_1",
		ClientID: "cli_1", KioskID: "ksk_1", AreaCode: "NRB-01", Amount: &amount,
		Outcome: OutcomeApplied, ActorID: "adm_1", RequestID: "req_1", CreatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendEntryUnavailable(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(errors.New("connection reset"))

	err := store.AppendEntry(context.Background(), &Entry{ID: "aud_1", Operation: OpTokenIssued})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
}

func TestPostgresStore_ListEntries(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"entry_id", "operation", "subject_id", "program_id", "client_id", "kiosk_id",
		"area_code", "amount", "outcome", "code", "detail", "actor_id", "request_id", "created_at",
	}).
		AddRow("aud_2", OpTokenRedeemed, "tok_1", "prg_1", "cli_1", "ksk_1", "NRB-01", "20.00", OutcomeApplied, "", "", "adm_1", "", now).
		AddRow("aud_3", OpTokenIssued, "tok_1", "prg_1", "cli_1", "", "NRB-01", nil, OutcomeApplied, "", "", "adm_1", "", now)

	mock.ExpectQuery(`FROM audit_entries WHERE subject_id = \$1 AND entry_id > \$2`).
		WithArgs("tok_1", "aud_1").
		WillReturnRows(rows)

	entries, err := store.ListEntries(context.Background(), EntryFilter{SubjectID: "tok_1", After: "aud_1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.NotNil(t, entries[0].Amount)
	assert.Equal(t, money.MustParse("20.00"), *entries[0].Amount)
	assert.Nil(t, entries[1].Amount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionAlert(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE alerts SET").
		WithArgs("alr_1", "OPEN", "ACKNOWLEDGED", "adm_1", sqlmock.AnyArg(), "", sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.TransitionAlert(context.Background(), AlertOpen, &Alert{
		ID: "alr_1", Status: AlertAcknowledged, AcknowledgedBy: "adm_1", AcknowledgedAt: &now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionAlertLostRace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("UPDATE alerts SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM alerts WHERE alert_id").
		WithArgs("alr_1").
		WillReturnRows(sqlmock.NewRows(alertRowColumns).AddRow(
			"alr_1", "SECURITY", "HIGH", "", "tamper", "", "", "", "", "", "", "", "DISMISSED",
			"", nil, "adm_2", now, "noise", now,
		))

	err := store.TransitionAlert(context.Background(), AlertOpen, &Alert{
		ID: "alr_1", Status: AlertAcknowledged, AcknowledgedBy: "adm_1", AcknowledgedAt: &now,
	})
	require.ErrorIs(t, err, ErrInvalidAlertTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransitionAlertMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE alerts SET").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM alerts WHERE alert_id").
		WithArgs("alr_404").
		WillReturnRows(sqlmock.NewRows(alertRowColumns))

	err := store.TransitionAlert(context.Background(), AlertOpen, &Alert{ID: "alr_404", Status: AlertDismissed})
	require.ErrorIs(t, err, ErrAlertNotFound)
}

func TestPostgresStore_GetAlert(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM alerts WHERE alert_id").
		WithArgs("alr_1").
		WillReturnRows(sqlmock.NewRows(alertRowColumns).AddRow(
			"alr_1", "VIOLATION", "HIGH", "GEOGRAPHIC", "outside area", "", "verification", "vrf_1",
			"cli_1", "prg_1", "ksk_1", "NRB-01", "ACKNOWLEDGED", "adm_1", now, "", nil, "", now,
		))

	a, err := store.GetAlert(context.Background(), "alr_1")
	require.NoError(t, err)
	assert.Equal(t, AlertViolation, a.Type)
	assert.Equal(t, AlertAcknowledged, a.Status)
	require.NotNil(t, a.AcknowledgedAt)
	assert.Nil(t, a.ResolvedAt)
}
