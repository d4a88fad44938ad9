package programs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/database"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

const programColumns = `program_id, region, area_code, estimated_beneficiaries,
	expiration_deadline, status, violation_count, suspension_reason, created_at, updated_at`

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed program store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, prog *Program, entry *audit.Entry) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO programs (
			program_id, region, area_code, estimated_beneficiaries,
			expiration_deadline, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		prog.ID, prog.Region, prog.AreaCode, prog.EstimatedBeneficiaries,
		prog.ExpirationDeadline, string(prog.Status), prog.CreatedAt, prog.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrInvalidProgram.WithDetail("program %s already exists", prog.ID)
	}
	if err != nil {
		return fmt.Errorf("insert program: %w", database.Classify(err))
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

func (p *PostgresStore) Get(ctx context.Context, id string) (*Program, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `SELECT `+programColumns+` FROM programs WHERE program_id = $1`, id)
	prog, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProgramNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get program: %w", database.Classify(err))
	}
	return prog, nil
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Program, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("status", string(f.Status))
	w.Eq("area_code", f.AreaCode)
	w.After("program_id", f.After)

	rows, err := p.db.QueryContext(ctx, `SELECT `+programColumns+` FROM programs`+w.SQL()+`
		ORDER BY program_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list programs: %w", database.Classify(err))
	}
	defer rows.Close()
	return scanPrograms(rows)
}

func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, reason string, now time.Time, entry *audit.Entry) (*Program, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	row := tx.QueryRowContext(ctx, `
		UPDATE programs SET
			status = $3,
			suspension_reason = CASE WHEN $3 = 'SUSPENDED' THEN $4 ELSE suspension_reason END,
			updated_at = $5
		WHERE program_id = $1 AND status = $2
		RETURNING `+programColumns,
		id, string(from), string(to), reason, now,
	)
	prog, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.explainMiss(ctx, tx, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("update program status: %w", database.Classify(err))
	}

	if entry != nil {
		if err := audit.InsertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", database.Classify(err))
	}
	return prog, nil
}

// explainMiss tells a missing program apart from one another caller moved
// first.
func (p *PostgresStore) explainMiss(ctx context.Context, tx *sql.Tx, id string, from Status) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM programs WHERE program_id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrProgramNotFound
	}
	if err != nil {
		return fmt.Errorf("get program status: %w", database.Classify(err))
	}
	return ErrInvalidTransition.WithDetail("program is %s, expected %s", status, from)
}

func (p *PostgresStore) AddViolation(ctx context.Context, id string, now time.Time, entry *audit.Entry) (*Program, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", database.Classify(err))
	}
	defer database.Rollback(tx)

	row := tx.QueryRowContext(ctx, `
		UPDATE programs SET violation_count = violation_count + 1, updated_at = $2
		WHERE program_id = $1
		RETURNING `+programColumns,
		id, now,
	)
	prog, err := scanProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrProgramNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("increment violations: %w", database.Classify(err))
	}

	if entry != nil {
		entry.AreaCode = prog.AreaCode
		if err := audit.InsertEntry(ctx, tx, entry); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", database.Classify(err))
	}
	return prog, nil
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Program, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	if limit <= 0 {
		limit = expireBatch
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+programColumns+` FROM programs
		WHERE status = 'ACTIVE' AND expiration_deadline <= $1
		ORDER BY program_id
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due programs: %w", database.Classify(err))
	}
	defer rows.Close()
	return scanPrograms(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProgram(s scannable) (*Program, error) {
	prog := &Program{}
	var status string
	if err := s.Scan(
		&prog.ID, &prog.Region, &prog.AreaCode, &prog.EstimatedBeneficiaries,
		&prog.ExpirationDeadline, &status, &prog.ViolationCount, &prog.SuspensionReason,
		&prog.CreatedAt, &prog.UpdatedAt,
	); err != nil {
		return nil, err
	}
	prog.Status = Status(status)
	return prog, nil
}

func scanPrograms(rows *sql.Rows) ([]*Program, error) {
	var out []*Program
	for rows.Next() {
		prog, err := scanProgram(rows)
		if err != nil {
			return nil, fmt.Errorf("scan program: %w", database.Classify(err))
		}
		out = append(out, prog)
	}
	return out, database.Classify(rows.Err())
}
