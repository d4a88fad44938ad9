package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/database"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tokenColumns = `token_id, client_id, program_id, amount, weekly_limit,
	weekly_redeemed, total_redeemed, area_code, claim_status, issued_at,
	last_redemption, version, updated_at`

// Create inserts the token only while its program is ACTIVE. The FOR SHARE
// lock holds off a concurrent status change until this transaction ends,
// so the sweep that follows that change sees the new token.
func (p *PostgresStore) Create(ctx context.Context, t *Token, entry *audit.Entry) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	var programStatus string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM programs WHERE program_id = $1 FOR SHARE`, t.ProgramID,
	).Scan(&programStatus)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && programStatus != "ACTIVE") {
		return ErrProgramNotActive.WithDetail("program %s", t.ProgramID)
	}
	if err != nil {
		return fmt.Errorf("lock program: %w", database.Classify(err))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (`+tokenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		t.ID, t.ClientID, t.ProgramID, t.Amount, t.WeeklyLimit,
		t.WeeklyRedeemed, t.TotalRedeemed, t.AreaCode, string(t.Status), t.IssuedAt,
		database.NullTime(t.LastRedemption), t.Version, t.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return ErrInvalidToken.WithDetail("token %s already exists", t.ID)
		}
		return fmt.Errorf("insert token: %w", database.Classify(err))
	}

	if entry != nil {
		if err := audit.InsertEntry(ctx, tx, entry); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", database.Classify(err))
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Token, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", database.Classify(err))
	}
	return t, nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Token, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("client_id", f.ClientID)
	w.Eq("program_id", f.ProgramID)
	w.Eq("claim_status", string(f.Status))
	w.After("token_id", f.After)

	rows, err := p.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens`+w.SQL()+`
		ORDER BY token_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list tokens: %w", database.Classify(err))
	}
	defer rows.Close()

	var out []*Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", database.Classify(err))
		}
		out = append(out, t)
	}
	return out, database.Classify(rows.Err())
}

func (p *PostgresStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Token, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	// Program before token, the same order as Create and the status sweep.
	program := ProgramState{Known: true}
	err = tx.QueryRowContext(ctx, `
		SELECT p.status FROM tokens t
		JOIN programs p ON p.program_id = t.program_id
		WHERE t.token_id = $1
		FOR SHARE OF p
	`, id).Scan(&program.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock program: %w", database.Classify(err))
	}

	row := tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_id = $1 FOR UPDATE`, id)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", database.Classify(err))
	}

	version := t.Version
	entry, err := fn(t, program)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.Version = version + 1

	result, err := tx.ExecContext(ctx, `
		UPDATE tokens SET
			weekly_redeemed = $2,
			total_redeemed = $3,
			claim_status = $4,
			last_redemption = $5,
			version = $6,
			updated_at = $7
		WHERE token_id = $1 AND version = $8
	`,
		id, t.WeeklyRedeemed, t.TotalRedeemed, string(t.Status),
		database.NullTime(t.LastRedemption), t.Version, t.UpdatedAt, version,
	)
	if err != nil {
		return nil, fmt.Errorf("update token: %w", database.Classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update token: %w", database.Classify(err))
	}
	if n != 1 {
		return nil, ErrConcurrentUpdate
	}

	if entry != nil {
		if err := audit.InsertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", database.Classify(err))
	}
	return t, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanToken(s scannable) (*Token, error) {
	t := &Token{}
	var status string
	var last sql.NullTime
	if err := s.Scan(
		&t.ID, &t.ClientID, &t.ProgramID, &t.Amount, &t.WeeklyLimit,
		&t.WeeklyRedeemed, &t.TotalRedeemed, &t.AreaCode, &status, &t.IssuedAt,
		&last, &t.Version, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.LastRedemption = database.TimePtr(last)
	return t, nil
}
