package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/landlink/landlink/internal/database"
)

var baseColumns = []string{"id", "created_at", "updated_at"}

// PostgresStore implements Store for one record kind on PostgreSQL.
// Records map to columns through their db struct tags.
type PostgresStore[T any, P Record[T]] struct {
	db      *sqlx.DB
	kind    *Kind[T]
	columns []string
}

// NewPostgresStore creates a new PostgreSQL-backed store for kind.
func NewPostgresStore[T any, P Record[T]](db *sqlx.DB, kind *Kind[T]) *PostgresStore[T, P] {
	return &PostgresStore[T, P]{
		db:      db,
		kind:    kind,
		columns: append(append([]string{}, baseColumns...), kind.Columns...),
	}
}

func (p *PostgresStore[T, P]) selectSQL() string {
	return "SELECT " + strings.Join(p.columns, ", ") + " FROM " + p.kind.Table
}

func (p *PostgresStore[T, P]) Create(ctx context.Context, rec P) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	query := "INSERT INTO " + p.kind.Table + " (" + strings.Join(p.columns, ", ") +
		") VALUES (:" + strings.Join(p.columns, ", :") + ")"
	if _, err := p.db.NamedExecContext(ctx, query, rec); err != nil {
		return p.writeError("insert", err)
	}
	return nil
}

func (p *PostgresStore[T, P]) Get(ctx context.Context, id string) (P, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var rec T
	err := p.db.GetContext(ctx, &rec, p.selectSQL()+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound.WithDetail("%s %s", p.kind.Name, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", p.kind.Name, database.Classify(err))
	}
	return P(&rec), nil
}

func (p *PostgresStore[T, P]) List(ctx context.Context, f ListFilter) ([]P, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	for _, field := range p.kind.Filters {
		w.Eq(field.Column, f.Match[field.Param])
	}
	w.After("id", f.After)

	var rows []T
	err := p.db.SelectContext(ctx, &rows, p.selectSQL()+w.SQL()+" ORDER BY id LIMIT "+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", p.kind.Plural, database.Classify(err))
	}
	out := make([]P, len(rows))
	for i := range rows {
		out[i] = P(&rows[i])
	}
	return out, nil
}

func (p *PostgresStore[T, P]) Update(ctx context.Context, rec P) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	sets := make([]string, 0, len(p.kind.Columns)+1)
	for _, c := range p.kind.Columns {
		sets = append(sets, c+" = :"+c)
	}
	sets = append(sets, "updated_at = :updated_at")
	query := "UPDATE " + p.kind.Table + " SET " + strings.Join(sets, ", ") + " WHERE id = :id"

	result, err := p.db.NamedExecContext(ctx, query, rec)
	if err != nil {
		return p.writeError("update", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s: %w", p.kind.Name, database.Classify(err))
	}
	if n == 0 {
		return ErrRecordNotFound.WithDetail("%s %s", p.kind.Name, rec.base().ID)
	}
	return nil
}

func (p *PostgresStore[T, P]) writeError(op string, err error) error {
	if database.IsUniqueViolation(err) {
		return ErrDuplicate.WithDetail("%s violates %s", p.kind.Name, database.UniqueConstraint(err))
	}
	return fmt.Errorf("%s %s: %w", op, p.kind.Name, database.Classify(err))
}
