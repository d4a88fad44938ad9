// Package audit records what happened to tokens, programs and kiosks.
//
// The trail has three parts:
//   - Entry: one row per ledger outcome (issue, redeem, sweep, claim, ...)
//   - VerificationLog: a kiosk identity verification result
//   - Alert: an operational alert with an acknowledgement lifecycle
//
// Entries and verification logs are append-only. Alerts may only move along
// the status machine OPEN -> ACKNOWLEDGED -> RESOLVED, with DISMISSED
// reachable from OPEN or ACKNOWLEDGED.
package audit

import (
	"context"
	"slices"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/money"
)

// Operations recorded as entries.
const (
	OpTokenIssued          = "token.issued"
	OpTokenRedeemed        = "token.redeemed"
	OpTokenRedeemRejected  = "token.redeem_rejected"
	OpTokenRetired         = "token.retired"
	OpPoolTransferred      = "pool.transferred"
	OpPoolClaimed          = "pool.claimed"
	OpPoolClaimRejected    = "pool.claim_rejected"
	OpProgramStatusChanged = "program.status_changed"
	OpProgramViolation     = "program.violation"
)

// Entry outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeRejected = "rejected"
)

// Entry is an immutable audit record.
type Entry struct {
	ID        string        `json:"id"`
	Operation string        `json:"operation"`
	SubjectID string        `json:"subjectId"`
	ProgramID string        `json:"programId,omitempty"`
	ClientID  string        `json:"clientId,omitempty"`
	KioskID   string        `json:"kioskId,omitempty"`
	AreaCode  string        `json:"areaCode,omitempty"`
	Amount    *money.Amount `json:"amount,omitempty"`
	Outcome   string        `json:"outcome"`
	Code      string        `json:"code,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	ActorID   string        `json:"actorId,omitempty"`
	RequestID string        `json:"requestId,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
}

// EntryFilter narrows a listing of entries. After is an entry id cursor.
type EntryFilter struct {
	SubjectID string
	ProgramID string
	Operation string
	After     string
	Limit     int
}

// VerificationStatus is the result of a kiosk identity check.
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "SUCCESS"
	VerificationFailed  VerificationStatus = "FAILED"
	VerificationFlagged VerificationStatus = "FLAGGED"
)

// VerificationLog records one identity verification at a kiosk.
type VerificationLog struct {
	ID                     string             `json:"id"`
	ClientID               string             `json:"clientId"`
	ProgramID              string             `json:"programId,omitempty"`
	Status                 VerificationStatus `json:"status"`
	ConfidenceScore        *float64           `json:"confidenceScore,omitempty"`
	DualVerificationPassed bool               `json:"dualVerificationPassed"`
	FailureReason          string             `json:"failureReason,omitempty"`
	GeographicViolation    bool               `json:"geographicViolation"`
	KioskLocation          string             `json:"kioskLocation,omitempty"`
	KioskID                string             `json:"kioskId"`
	SupervisorID           string             `json:"supervisorId,omitempty"`
	CreatedAt              time.Time          `json:"createdAt"`
}

// VerificationFilter narrows a listing of verification logs.
type VerificationFilter struct {
	ClientID string
	KioskID  string
	Status   VerificationStatus
	After    string
	Limit    int
}

// AlertType classifies alerts.
type AlertType string

const (
	AlertSecurity    AlertType = "SECURITY"
	AlertSystem      AlertType = "SYSTEM"
	AlertViolation   AlertType = "VIOLATION"
	AlertMaintenance AlertType = "MAINTENANCE"
)

// Severity ranks alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// AlertStatus is the alert lifecycle state.
type AlertStatus string

const (
	AlertOpen         AlertStatus = "OPEN"
	AlertAcknowledged AlertStatus = "ACKNOWLEDGED"
	AlertResolved     AlertStatus = "RESOLVED"
	AlertDismissed    AlertStatus = "DISMISSED"
)

// Alert is an operational alert. Only the status, acknowledgement and
// resolution fields change after creation.
type Alert struct {
	ID                string      `json:"id"`
	Type              AlertType   `json:"type"`
	Severity          Severity    `json:"severity"`
	Category          string      `json:"category,omitempty"`
	Title             string      `json:"title"`
	Description       string      `json:"description,omitempty"`
	SourceSystem      string      `json:"sourceSystem,omitempty"`
	SourceID          string      `json:"sourceId,omitempty"`
	AffectedClientID  string      `json:"affectedClientId,omitempty"`
	AffectedProgramID string      `json:"affectedProgramId,omitempty"`
	AffectedKioskID   string      `json:"affectedKioskId,omitempty"`
	AreaCode          string      `json:"areaCode,omitempty"`
	Status            AlertStatus `json:"status"`
	AcknowledgedBy    string      `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt    *time.Time  `json:"acknowledgedAt,omitempty"`
	ResolvedBy        string      `json:"resolvedBy,omitempty"`
	ResolvedAt        *time.Time  `json:"resolvedAt,omitempty"`
	ResolutionNotes   string      `json:"resolutionNotes,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
}

// AlertFilter narrows a listing of alerts.
type AlertFilter struct {
	Status   AlertStatus
	Type     AlertType
	AreaCode string
	After    string
	Limit    int
}

// alertTransitions lists the statuses reachable from each status. OPEN may
// not jump to RESOLVED: someone has to acknowledge an alert before closing
// it as resolved.
var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertOpen:         {AlertAcknowledged, AlertDismissed},
	AlertAcknowledged: {AlertResolved, AlertDismissed},
}

// CanTransition reports whether an alert may move from one status to another.
func CanTransition(from, to AlertStatus) bool {
	return slices.Contains(alertTransitions[from], to)
}

// IsTerminal reports whether no further transitions are allowed.
func (s AlertStatus) IsTerminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

var (
	ErrAlertNotFound          = apperr.NotFound("alert_not_found", "alert not found")
	ErrInvalidAlertTransition = apperr.Conflict("invalid_alert_transition", "alert status transition not allowed")
	ErrInvalidAlert           = apperr.Validation("invalid_alert", "invalid alert")
	ErrInvalidVerification    = apperr.Validation("invalid_verification", "invalid verification log")
	ErrInvalidFilter          = apperr.Validation("invalid_filter", "invalid filter")
)

// Appender writes entries. Stores of other packages hold one so their
// mutations and the matching entry land in the same unit of work.
type Appender interface {
	AppendEntry(ctx context.Context, e *Entry) error
}

// Store persists the audit trail.
type Store interface {
	Appender
	ListEntries(ctx context.Context, f EntryFilter) ([]*Entry, error)

	AppendVerification(ctx context.Context, v *VerificationLog) error
	ListVerifications(ctx context.Context, f VerificationFilter) ([]*VerificationLog, error)

	CreateAlert(ctx context.Context, a *Alert) error
	GetAlert(ctx context.Context, id string) (*Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, error)
	// TransitionAlert replaces the mutable fields of the alert with those of
	// next, provided its stored status is still from. A status mismatch
	// returns ErrInvalidAlertTransition.
	TransitionAlert(ctx context.Context, from AlertStatus, next *Alert) error
}
