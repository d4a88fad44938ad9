package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/landlink/landlink/internal/database"
	"github.com/landlink/landlink/internal/money"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// InsertEntry writes e through ex. Ledger stores call it with their open
// transaction so the entry commits or rolls back with the mutation it
// describes.
func InsertEntry(ctx context.Context, ex Execer, e *Entry) error {
	var amount sql.NullString
	if e.Amount != nil {
		amount = sql.NullString{String: e.Amount.String(), Valid: true}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_entries (
			entry_id, operation, subject_id, program_id, client_id, kiosk_id,
			area_code, amount, outcome, code, detail, actor_id, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC(14,2), $9, $10, $11, $12, $13, $14)
	`,
		e.ID, e.Operation, e.SubjectID, e.ProgramID, e.ClientID, e.KioskID,
		e.AreaCode, amount, e.Outcome, e.Code, e.Detail, e.ActorID, e.RequestID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", database.Classify(err))
	}
	return nil
}

func (p *PostgresStore) AppendEntry(ctx context.Context, e *Entry) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()
	return InsertEntry(ctx, p.db, e)
}

func (p *PostgresStore) ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("subject_id", f.SubjectID)
	w.Eq("program_id", f.ProgramID)
	w.Eq("operation", f.Operation)
	w.After("entry_id", f.After)

	rows, err := p.db.QueryContext(ctx, `
		SELECT entry_id, operation, subject_id, program_id, client_id, kiosk_id,
			area_code, amount, outcome, code, detail, actor_id, request_id, created_at
		FROM audit_entries`+w.SQL()+`
		ORDER BY entry_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", database.Classify(err))
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount sql.NullString
		if err := rows.Scan(
			&e.ID, &e.Operation, &e.SubjectID, &e.ProgramID, &e.ClientID, &e.KioskID,
			&e.AreaCode, &amount, &e.Outcome, &e.Code, &e.Detail, &e.ActorID, &e.RequestID, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", database.Classify(err))
		}
		if amount.Valid {
			a, err := money.Parse(amount.String)
			if err != nil {
				return nil, fmt.Errorf("scan audit amount: %w", err)
			}
			e.Amount = &a
		}
		out = append(out, e)
	}
	return out, database.Classify(rows.Err())
}

func (p *PostgresStore) AppendVerification(ctx context.Context, v *VerificationLog) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var score sql.NullFloat64
	if v.ConfidenceScore != nil {
		score = sql.NullFloat64{Float64: *v.ConfidenceScore, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_logs (
			log_id, client_id, program_id, status, confidence_score,
			dual_verification_passed, failure_reason, geographic_violation,
			kiosk_location, kiosk_id, supervisor_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		v.ID, v.ClientID, v.ProgramID, string(v.Status), score,
		v.DualVerificationPassed, v.FailureReason, v.GeographicViolation,
		v.KioskLocation, v.KioskID, v.SupervisorID, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verification log: %w", database.Classify(err))
	}
	return nil
}

func (p *PostgresStore) ListVerifications(ctx context.Context, f VerificationFilter) ([]*VerificationLog, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("client_id", f.ClientID)
	w.Eq("kiosk_id", f.KioskID)
	w.Eq("status", string(f.Status))
	w.After("log_id", f.After)

	rows, err := p.db.QueryContext(ctx, `
		SELECT log_id, client_id, program_id, status, confidence_score,
			dual_verification_passed, failure_reason, geographic_violation,
			kiosk_location, kiosk_id, supervisor_id, created_at
		FROM verification_logs`+w.SQL()+`
		ORDER BY log_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list verification logs: %w", database.Classify(err))
	}
	defer rows.Close()

	var out []*VerificationLog
	for rows.Next() {
		v := &VerificationLog{}
		var status string
		var score sql.NullFloat64
		if err := rows.Scan(
			&v.ID, &v.ClientID, &v.ProgramID, &status, &score,
			&v.DualVerificationPassed, &v.FailureReason, &v.GeographicViolation,
			&v.KioskLocation, &v.KioskID, &v.SupervisorID, &v.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan verification log: %w", database.Classify(err))
		}
		v.Status = VerificationStatus(status)
		if score.Valid {
			s := score.Float64
			v.ConfidenceScore = &s
		}
		out = append(out, v)
	}
	return out, database.Classify(rows.Err())
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO alerts (
			alert_id, alert_type, severity, category, title, description,
			source_system, source_id, affected_client_id, affected_program_id,
			affected_kiosk_id, area_code, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		a.ID, string(a.Type), string(a.Severity), a.Category, a.Title, a.Description,
		a.SourceSystem, a.SourceID, a.AffectedClientID, a.AffectedProgramID,
		a.AffectedKioskID, a.AreaCode, string(a.Status), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", database.Classify(err))
	}
	return nil
}

const alertColumns = `alert_id, alert_type, severity, category, title, description,
	source_system, source_id, affected_client_id, affected_program_id,
	affected_kiosk_id, area_code, status, acknowledged_by, acknowledged_at,
	resolved_by, resolved_at, resolution_notes, created_at`

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*Alert, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE alert_id = $1`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", database.Classify(err))
	}
	return a, nil
}

func (p *PostgresStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error) {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	var w database.Filter
	w.Eq("status", string(f.Status))
	w.Eq("alert_type", string(f.Type))
	w.Eq("area_code", f.AreaCode)
	w.After("alert_id", f.After)

	rows, err := p.db.QueryContext(ctx, `SELECT `+alertColumns+` FROM alerts`+w.SQL()+`
		ORDER BY alert_id
		LIMIT `+w.Limit(f.Limit), w.Args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", database.Classify(err))
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", database.Classify(err))
		}
		out = append(out, a)
	}
	return out, database.Classify(rows.Err())
}

func (p *PostgresStore) TransitionAlert(ctx context.Context, from AlertStatus, next *Alert) error {
	ctx, cancel := database.Bound(ctx)
	defer cancel()

	result, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET
			status = $3,
			acknowledged_by = $4,
			acknowledged_at = $5,
			resolved_by = $6,
			resolved_at = $7,
			resolution_notes = $8
		WHERE alert_id = $1 AND status = $2
	`,
		next.ID, string(from), string(next.Status),
		next.AcknowledgedBy, database.NullTime(next.AcknowledgedAt),
		next.ResolvedBy, database.NullTime(next.ResolvedAt),
		next.ResolutionNotes,
	)
	if err != nil {
		return fmt.Errorf("transition alert: %w", database.Classify(err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition alert: %w", database.Classify(err))
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either the alert is gone or another caller moved it first.
	current, err := p.GetAlert(ctx, next.ID)
	if err != nil {
		return err
	}
	return ErrInvalidAlertTransition.WithDetail("alert is %s, expected %s", current.Status, from)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanAlert(s scannable) (*Alert, error) {
	a := &Alert{}
	var alertType, severity, status string
	var ackAt, resolvedAt sql.NullTime
	if err := s.Scan(
		&a.ID, &alertType, &severity, &a.Category, &a.Title, &a.Description,
		&a.SourceSystem, &a.SourceID, &a.AffectedClientID, &a.AffectedProgramID,
		&a.AffectedKioskID, &a.AreaCode, &status, &a.AcknowledgedBy, &ackAt,
		&a.ResolvedBy, &resolvedAt, &a.ResolutionNotes, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.Type = AlertType(alertType)
	a.Severity = Severity(severity)
	a.Status = AlertStatus(status)
	a.AcknowledgedAt = database.TimePtr(ackAt)
	a.ResolvedAt = database.TimePtr(resolvedAt)
	return a, nil
}
