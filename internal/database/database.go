// Package database opens the PostgreSQL pool and holds the helpers shared by
// every Postgres-backed store: bounded operation timeouts, error
// classification and schema migration.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/migrations"
)

// Options configures the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ConnectTimeout bounds how long Open waits for the database to accept
	// connections before giving up.
	ConnectTimeout time.Duration
}

// Open creates the pool and waits, with exponential backoff, until the
// database answers a ping.
func Open(ctx context.Context, url string, opts Options, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 250 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = connectTimeout

	attempt := 0
	ping := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := db.PingContext(pingCtx)
		if err != nil {
			logger.Warn("database not ready", "attempt", attempt, "error", err)
		}
		return err
	}
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, nil
}

// Migrate applies every pending migration embedded in the migrations package.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

var operationTimeout atomic.Int64

func init() {
	operationTimeout.Store(int64(5 * time.Second))
}

// SetOperationTimeout changes the deadline applied by Bound. Called once at
// startup from configuration.
func SetOperationTimeout(d time.Duration) {
	if d > 0 {
		operationTimeout.Store(int64(d))
	}
}

// Bound derives a context that expires after the configured operation
// timeout. A caller deadline that is already sooner wins.
func Bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(operationTimeout.Load()))
}

// Classify maps driver failures to StorageUnavailable. sql.ErrNoRows and
// already classified errors are returned untouched so callers can translate
// them into domain errors.
func Classify(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	return apperr.Unavailable(err)
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// UniqueConstraint returns the violated constraint name, if any.
func UniqueConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint
	}
	return ""
}

// Rollback rolls tx back, ignoring the error after a successful commit.
func Rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}

// NullTime converts an optional time for insertion.
func NullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// TimePtr converts a scanned NullTime back to an optional time.
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// NullString maps "" to NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Filter accumulates optional equality conditions and a keyset cursor for
// listing queries. Placeholders are numbered in the order conditions are
// added.
type Filter struct {
	clauses []string
	Args    []any
}

// Eq adds "column = value" unless value is empty.
func (f *Filter) Eq(column, value string) {
	if value == "" {
		return
	}
	f.Args = append(f.Args, value)
	f.clauses = append(f.clauses, fmt.Sprintf("%s = $%d", column, len(f.Args)))
}

// After adds "column > cursor" unless cursor is empty.
func (f *Filter) After(column, cursor string) {
	if cursor == "" {
		return
	}
	f.Args = append(f.Args, cursor)
	f.clauses = append(f.clauses, fmt.Sprintf("%s > $%d", column, len(f.Args)))
}

// SQL renders the WHERE clause, or "" when no condition was added.
func (f *Filter) SQL() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

// Limit renders a LIMIT value, defaulting non-positive limits to 50.
func (f *Filter) Limit(n int) string {
	if n <= 0 {
		n = 50
	}
	return strconv.Itoa(n)
}
