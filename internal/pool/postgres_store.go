package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/database"
	"github.com/landlink/landlink/internal/tokens"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed pool store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const poolColumns = `pool_token_id, source_token_id, amount, area_code, pool_entry_date,
	claim_status, original_program_id, transfer_reason, claimed_by, claimed_at, claiming_kiosk`

func (p *PostgresStore) Transfer(ctx context.Context, tokenID string, reason TransferReason, now time.Time) (*PoolToken, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	t := &tokens.Token{ID: tokenID}
	var status string
	err = tx.QueryRowContext(ctx, `
		SELECT client_id, program_id, amount, total_redeemed, area_code, claim_status
		FROM tokens WHERE token_id = $1 FOR UPDATE
	`, tokenID).Scan(&t.ClientID, &t.ProgramID, &t.Amount, &t.TotalRedeemed, &t.AreaCode, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tokens.ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", database.Classify(err))
	}
	t.Status = tokens.Status(status)
	if t.Status != tokens.StatusActive {
		return nil, ErrNotTransferable.WithDetail("token %s is %s", tokenID, t.Status)
	}

	pt, entry := newTransfer(ctx, t, reason, now)

	if _, err := tx.ExecContext(ctx, `
		UPDATE tokens SET claim_status = $2, version = version + 1, updated_at = $3
		WHERE token_id = $1
	`, tokenID, string(tokens.StatusTransferred), now); err != nil {
		return nil, fmt.Errorf("mark token transferred: %w", database.Classify(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO public_pool_tokens (
			pool_token_id, source_token_id, amount, area_code, pool_entry_date,
			claim_status, original_program_id, transfer_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		pt.ID, pt.SourceTokenID, pt.Amount, pt.AreaCode, pt.PoolEntryDate,
		string(pt.Status), pt.OriginalProgramID, string(pt.TransferReason),
	)
	if err != nil {
		if database.UniqueConstraint(err) == "pool_tokens_source_unique" {
			return nil, ErrNotTransferable.WithDetail("token %s already pooled", tokenID)
		}
		return nil, fmt.Errorf("insert pool token: %w", database.Classify(err))
	}

	if err := audit.InsertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", database.Classify(err))
	}
	return pt, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*PoolToken, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `SELECT `+poolColumns+` FROM public_pool_tokens WHERE pool_token_id = $1`, id)
	pt, err := scanPoolToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPoolTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pool token: %w", database.Classify(err))
	}
	return pt, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*PoolToken, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("area_code", f.AreaCode)
	w.Eq("claim_status", string(f.Status))
	w.Eq("original_program_id", f.ProgramID)
	w.After("pool_token_id", f.After)

	rows, err := p.db.QueryContext(ctx, `SELECT `+poolColumns+` FROM public_pool_tokens`+w.SQL()+`
		ORDER BY pool_token_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list pool tokens: %w", database.Classify(err))
	}
	defer rows.Close()

	var out []*PoolToken
	for rows.Next() {
		pt, err := scanPoolToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool token: %w", database.Classify(err))
		}
		out = append(out, pt)
	}
	return out, database.Classify(rows.Err())
}

func (p *PostgresStore) Claim(ctx context.Context, id string, claim Claim, entry *audit.Entry) (*PoolToken, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	row := tx.QueryRowContext(ctx, `
		UPDATE public_pool_tokens SET
			claim_status = 'CLAIMED',
			claimed_by = $2,
			claimed_at = $3,
			claiming_kiosk = $4
		WHERE pool_token_id = $1 AND claim_status = 'AVAILABLE'
		RETURNING `+poolColumns,
		id, claim.ClientID, claim.At, database.NullString(claim.KioskID),
	)
	pt, err := scanPoolToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race or never existed.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM public_pool_tokens WHERE pool_token_id = $1)`, id,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check pool token: %w", database.Classify(err))
		}
		if !exists {
			return nil, ErrPoolTokenNotFound
		}
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, fmt.Errorf("claim pool token: %w", database.Classify(err))
	}

	if entry != nil {
		if err := audit.InsertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", database.Classify(err))
	}
	return pt, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanPoolToken(s scannable) (*PoolToken, error) {
	pt := &PoolToken{}
	var status, reason string
	var claimedBy, kiosk sql.NullString
	var claimedAt sql.NullTime
	if err := s.Scan(
		&pt.ID, &pt.SourceTokenID, &pt.Amount, &pt.AreaCode, &pt.PoolEntryDate,
		&status, &pt.OriginalProgramID, &reason, &claimedBy, &claimedAt, &kiosk,
	); err != nil {
		return nil, err
	}
	pt.Status = ClaimStatus(status)
	pt.TransferReason = TransferReason(reason)
	pt.ClaimedBy = claimedBy.String
	pt.ClaimedAt = database.TimePtr(claimedAt)
	pt.ClaimingKiosk = kiosk.String
	return pt, nil
}
