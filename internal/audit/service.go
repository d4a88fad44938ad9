package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/landlink/landlink/internal/access"
	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/pagination"
)

// Publisher pushes alert changes to live dashboards.
type Publisher interface {
	PublishAlert(a *Alert)
}

// Service records and queries the audit trail.
type Service struct {
	store     Store
	publisher Publisher
	now       func() time.Time
}

// NewService creates a new audit service.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher attaches a live alert publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// NewEntry returns an entry stamped with a fresh id, the time, and the actor
// and request ids carried by ctx.
func NewEntry(ctx context.Context, op, subjectID string) *Entry {
	return &Entry{
		ID:        idgen.Ordered(idgen.PrefixAudit),
		Operation: op,
		SubjectID: subjectID,
		Outcome:   OutcomeApplied,
		ActorID:   access.ActorID(ctx),
		RequestID: logging.RequestID(ctx),
		CreatedAt: time.Now().UTC(),
	}
}

// Record appends e. It fails only when storage is unavailable.
func (s *Service) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		stamped := NewEntry(ctx, e.Operation, e.SubjectID)
		e.ID, e.CreatedAt = stamped.ID, stamped.CreatedAt
		if e.ActorID == "" {
			e.ActorID = stamped.ActorID
		}
		if e.RequestID == "" {
			e.RequestID = stamped.RequestID
		}
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeApplied
	}
	if err := s.store.AppendEntry(ctx, e); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// RecordBestEffort appends e and logs instead of failing. Used for entries
// describing rejected requests, where the caller already has an error to
// report.
func (s *Service) RecordBestEffort(ctx context.Context, e *Entry) {
	if err := s.Record(ctx, e); err != nil {
		metrics.AuditWriteFailuresTotal.Inc()
		logging.L(ctx).Warn("audit entry not recorded",
			"operation", e.Operation,
			"subject_id", e.SubjectID,
			"error", err,
		)
	}
}

// ListEntries returns a page of entries in id order.
func (s *Service) ListEntries(ctx context.Context, f EntryFilter) (pagination.Page[*Entry], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	entries, err := s.store.ListEntries(ctx, f)
	if err != nil {
		return pagination.Page[*Entry]{}, err
	}
	return pagination.Build(entries, limit, func(e *Entry) string { return e.ID }), nil
}

// VerificationRequest is the input for LogVerification.
type VerificationRequest struct {
	ClientID               string             `json:"clientId"`
	ProgramID              string             `json:"programId"`
	Status                 VerificationStatus `json:"status"`
	ConfidenceScore        *float64           `json:"confidenceScore"`
	DualVerificationPassed bool               `json:"dualVerificationPassed"`
	FailureReason          string             `json:"failureReason"`
	GeographicViolation    bool               `json:"geographicViolation"`
	KioskLocation          string             `json:"kioskLocation"`
	KioskID                string             `json:"kioskId"`
	SupervisorID           string             `json:"supervisorId"`
}

func (r *VerificationRequest) validate() error {
	switch {
	case strings.TrimSpace(r.ClientID) == "":
		return ErrInvalidVerification.WithDetail("clientId is required")
	case strings.TrimSpace(r.KioskID) == "":
		return ErrInvalidVerification.WithDetail("kioskId is required")
	}
	switch r.Status {
	case VerificationSuccess, VerificationFailed, VerificationFlagged:
	default:
		return ErrInvalidVerification.WithDetail("status must be SUCCESS, FAILED or FLAGGED")
	}
	if r.ConfidenceScore != nil && (*r.ConfidenceScore < 0 || *r.ConfidenceScore > 1) {
		return ErrInvalidVerification.WithDetail("confidenceScore must be between 0 and 1")
	}
	if r.Status != VerificationSuccess && strings.TrimSpace(r.FailureReason) == "" {
		return ErrInvalidVerification.WithDetail("failureReason is required unless status is SUCCESS")
	}
	return nil
}

// LogVerification appends a kiosk verification result. A geographic
// violation also raises a VIOLATION alert.
func (s *Service) LogVerification(ctx context.Context, req VerificationRequest) (*VerificationLog, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	v := &VerificationLog{
		ID:                     idgen.Ordered(idgen.PrefixVerifyLog),
		ClientID:               req.ClientID,
		ProgramID:              req.ProgramID,
		Status:                 req.Status,
		ConfidenceScore:        req.ConfidenceScore,
		DualVerificationPassed: req.DualVerificationPassed,
		FailureReason:          req.FailureReason,
		GeographicViolation:    req.GeographicViolation,
		KioskLocation:          req.KioskLocation,
		KioskID:                req.KioskID,
		SupervisorID:           req.SupervisorID,
		CreatedAt:              s.now(),
	}
	if err := s.store.AppendVerification(ctx, v); err != nil {
		return nil, fmt.Errorf("append verification log: %w", err)
	}

	if v.GeographicViolation {
		_, err := s.RaiseAlert(ctx, AlertRequest{
			Type:              AlertViolation,
			Severity:          SeverityHigh,
			Category:          "GEOGRAPHIC",
			Title:             "Verification outside authorised area",
			Description:       fmt.Sprintf("client %s verified at kiosk %s outside its area", v.ClientID, v.KioskID),
			SourceSystem:      "verification",
			SourceID:          v.ID,
			AffectedClientID:  v.ClientID,
			AffectedProgramID: v.ProgramID,
			AffectedKioskID:   v.KioskID,
		})
		if err != nil {
			return v, fmt.Errorf("verification logged but alert not raised: %w", err)
		}
	}

	return v, nil
}

// ListVerifications returns a page of verification logs.
func (s *Service) ListVerifications(ctx context.Context, f VerificationFilter) (pagination.Page[*VerificationLog], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	logs, err := s.store.ListVerifications(ctx, f)
	if err != nil {
		return pagination.Page[*VerificationLog]{}, err
	}
	return pagination.Build(logs, limit, func(v *VerificationLog) string { return v.ID }), nil
}

// AlertRequest is the input for RaiseAlert.
type AlertRequest struct {
	Type              AlertType `json:"type"`
	Severity          Severity  `json:"severity"`
	Category          string    `json:"category"`
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	SourceSystem      string    `json:"sourceSystem"`
	SourceID          string    `json:"sourceId"`
	AffectedClientID  string    `json:"affectedClientId"`
	AffectedProgramID string    `json:"affectedProgramId"`
	AffectedKioskID   string    `json:"affectedKioskId"`
	AreaCode          string    `json:"areaCode"`
}

func (r *AlertRequest) validate() error {
	switch r.Type {
	case AlertSecurity, AlertSystem, AlertViolation, AlertMaintenance:
	default:
		return ErrInvalidAlert.WithDetail("type must be SECURITY, SYSTEM, VIOLATION or MAINTENANCE")
	}
	switch r.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return ErrInvalidAlert.WithDetail("severity must be LOW, MEDIUM, HIGH or CRITICAL")
	}
	if strings.TrimSpace(r.Title) == "" {
		return ErrInvalidAlert.WithDetail("title is required")
	}
	return nil
}

// RaiseAlert creates an OPEN alert.
func (s *Service) RaiseAlert(ctx context.Context, req AlertRequest) (*Alert, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	a := &Alert{
		ID:                idgen.Ordered(idgen.PrefixAlert),
		Type:              req.Type,
		Severity:          req.Severity,
		Category:          req.Category,
		Title:             req.Title,
		Description:       req.Description,
		SourceSystem:      req.SourceSystem,
		SourceID:          req.SourceID,
		AffectedClientID:  req.AffectedClientID,
		AffectedProgramID: req.AffectedProgramID,
		AffectedKioskID:   req.AffectedKioskID,
		AreaCode:          req.AreaCode,
		Status:            AlertOpen,
		CreatedAt:         s.now(),
	}
	if err := s.store.CreateAlert(ctx, a); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	metrics.AlertsTotal.WithLabelValues(string(a.Type), string(a.Severity)).Inc()
	logging.L(ctx).Info("alert raised",
		"alert_id", a.ID,
		"type", a.Type,
		"severity", a.Severity,
		"title", a.Title,
	)
	s.publish(a)
	return a, nil
}

// GetAlert returns an alert by id.
func (s *Service) GetAlert(ctx context.Context, id string) (*Alert, error) {
	return s.store.GetAlert(ctx, id)
}

// ListAlerts returns a page of alerts.
func (s *Service) ListAlerts(ctx context.Context, f AlertFilter) (pagination.Page[*Alert], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	alerts, err := s.store.ListAlerts(ctx, f)
	if err != nil {
		return pagination.Page[*Alert]{}, err
	}
	return pagination.Build(alerts, limit, func(a *Alert) string { return a.ID }), nil
}

// Acknowledge moves an OPEN alert to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*Alert, error) {
	return s.transition(ctx, id, AlertAcknowledged, func(a *Alert, now time.Time) {
		a.AcknowledgedBy = actor
		a.AcknowledgedAt = &now
	})
}

// Resolve moves an ACKNOWLEDGED alert to RESOLVED.
func (s *Service) Resolve(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return s.transition(ctx, id, AlertResolved, func(a *Alert, now time.Time) {
		a.ResolvedBy = actor
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
	})
}

// Dismiss closes an OPEN or ACKNOWLEDGED alert without resolving it.
func (s *Service) Dismiss(ctx context.Context, id, actor, notes string) (*Alert, error) {
	return s.transition(ctx, id, AlertDismissed, func(a *Alert, now time.Time) {
		a.ResolvedBy = actor
		a.ResolvedAt = &now
		a.ResolutionNotes = notes
	})
}

func (s *Service) transition(ctx context.Context, id string, to AlertStatus, apply func(*Alert, time.Time)) (*Alert, error) {
	current, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return nil, ErrInvalidAlertTransition.WithDetail("alert is already %s", current.Status)
	}
	if !CanTransition(current.Status, to) {
		return nil, ErrInvalidAlertTransition.WithDetail("%s -> %s", current.Status, to)
	}

	next := *current
	next.Status = to
	apply(&next, s.now())

	if err := s.store.TransitionAlert(ctx, current.Status, &next); err != nil {
		return nil, err
	}

	logging.L(ctx).Info("alert transitioned",
		"alert_id", id,
		"from", current.Status,
		"to", to,
	)
	s.publish(&next)
	return &next, nil
}

func (s *Service) publish(a *Alert) {
	if s.publisher == nil {
		return
	}
	cp := *a
	s.publisher.PublishAlert(&cp)
}
