package pool

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/tokens"
)

var poolRowColumns = []string{
	"pool_token_id", "source_token_id", "amount", "area_code", "pool_entry_date",
	"claim_status", "original_program_id", "transfer_reason", "claimed_by", "claimed_at", "claiming_kiosk",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db), mock
}

func tokenRow(status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"client_id", "program_id", "amount", "total_redeemed", "area_code", "claim_status"}).
		AddRow("cli_1", "prg_1", "100.00", "30.00", "NRB-01", status)
}

func TestPostgresStore_Transfer(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM tokens WHERE token_id = \$1 FOR UPDATE`).WithArgs("tok_1").WillReturnRows(tokenRow("ACTIVE"))
	mock.ExpectExec("UPDATE tokens SET claim_status").
		WithArgs("tok_1", "TRANSFERRED_TO_POOL", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO public_pool_tokens").
		WithArgs(sqlmock.AnyArg(), "tok_1", "70.00", "NRB-01", sqlmock.AnyArg(), "AVAILABLE", "prg_1", "SUSPENDED").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pt, err := store.Transfer(context.Background(), "tok_1", ReasonSuspended, now)
	require.NoError(t, err)
	assert.Equal(t, "70.00", pt.Amount.String(), "pool token carries the unredeemed balance")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransferNotActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("tok_1").WillReturnRows(tokenRow("REDEEMED"))
	mock.ExpectRollback()

	_, err := store.Transfer(context.Background(), "tok_1", ReasonExpired, time.Now())
	require.ErrorIs(t, err, ErrNotTransferable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransferDuplicateSource(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("tok_1").WillReturnRows(tokenRow("ACTIVE"))
	mock.ExpectExec("UPDATE tokens SET claim_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO public_pool_tokens").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "pool_tokens_source_unique"})
	mock.ExpectRollback()

	_, err := store.Transfer(context.Background(), "tok_1", ReasonExpired, time.Now())
	require.ErrorIs(t, err, ErrNotTransferable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_TransferMissingToken(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("tok_x").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "program_id", "amount", "total_redeemed", "area_code", "claim_status"}))
	mock.ExpectRollback()

	_, err := store.Transfer(context.Background(), "tok_x", ReasonExpired, time.Now())
	require.ErrorIs(t, err, tokens.ErrTokenNotFound)
}

func TestPostgresStore_ClaimWins(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public_pool_tokens SET .* WHERE pool_token_id = \$1 AND claim_status = 'AVAILABLE'`).
		WithArgs("pool_1", "cli_1", now, "ksk_1").
		WillReturnRows(sqlmock.NewRows(poolRowColumns).AddRow(
			"pool_1", "tok_1", "70.00", "NRB-01", now, "CLAIMED", "prg_1", "EXPIRED", "cli_1", now, "ksk_1",
		))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	pt, err := store.Claim(context.Background(), "pool_1", Claim{ClientID: "cli_1", KioskID: "ksk_1", At: now},
		&audit.Entry{ID: "aud_1", Operation: audit.OpPoolClaimed, SubjectID: "pool_1"})
	require.NoError(t, err)
	assert.Equal(t, StatusClaimed, pt.Status)
	assert.Equal(t, "cli_1", pt.ClaimedBy)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimLosesRace(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public_pool_tokens SET`).WillReturnRows(sqlmock.NewRows(poolRowColumns))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("pool_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.Claim(context.Background(), "pool_1", Claim{ClientID: "cli_2", At: time.Now()}, nil)
	require.ErrorIs(t, err, ErrAlreadyClaimed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE public_pool_tokens SET`).WillReturnRows(sqlmock.NewRows(poolRowColumns))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("pool_x").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := store.Claim(context.Background(), "pool_x", Claim{ClientID: "cli_2", At: time.Now()}, nil)
	require.ErrorIs(t, err, ErrPoolTokenNotFound)
}
