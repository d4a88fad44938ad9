package programs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/pagination"
	"github.com/landlink/landlink/internal/pool"
	"github.com/landlink/landlink/internal/tokens"
	"github.com/landlink/landlink/internal/traces"
)

// DefaultMaxViolations is the violation count that suspends a program.
const DefaultMaxViolations = 3

// expireBatch bounds how many due programs one ExpireDue pass loads at once.
const expireBatch = 100

// Sweeper moves a program's ACTIVE tokens into the pool; *pool.Sweeper
// satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context, programID string, reason pool.TransferReason) (*pool.SweepResult, error)
}

// TokenRetirer expires the REDEEMED tokens of a dumped program;
// *tokens.Service satisfies it.
type TokenRetirer interface {
	RetireRedeemed(ctx context.Context, programID string) (int, error)
}

// Service manages the program lifecycle.
type Service struct {
	store         Store
	audit         *audit.Service
	sweeper       Sweeper
	retirer       TokenRetirer
	maxViolations int
	now           func() time.Time
}

// NewService creates a new program service.
func NewService(store Store, recorder *audit.Service, sweeper Sweeper, retirer TokenRetirer) *Service {
	return &Service{
		store:         store,
		audit:         recorder,
		sweeper:       sweeper,
		retirer:       retirer,
		maxViolations: DefaultMaxViolations,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// WithMaxViolations sets the violation count that triggers suspension.
func (s *Service) WithMaxViolations(n int) *Service {
	if n > 0 {
		s.maxViolations = n
	}
	return s
}

// CreateRequest is the input for Create.
type CreateRequest struct {
	Region                 string    `json:"region"`
	AreaCode               string    `json:"areaCode"`
	EstimatedBeneficiaries int       `json:"estimatedBeneficiaries"`
	ExpirationDeadline     time.Time `json:"expirationDeadline"`
}

func (r *CreateRequest) validate(now time.Time) error {
	switch {
	case strings.TrimSpace(r.Region) == "":
		return ErrInvalidProgram.WithDetail("region is required")
	case !tokens.ValidAreaCode(r.AreaCode):
		return ErrInvalidProgram.WithDetail("areaCode must match ^[A-Z0-9_-]{2,10}$")
	case r.EstimatedBeneficiaries < 0:
		return ErrInvalidProgram.WithDetail("estimatedBeneficiaries cannot be negative")
	case !r.ExpirationDeadline.After(now):
		return ErrInvalidProgram.WithDetail("expirationDeadline must be in the future")
	}
	return nil
}

// Create registers an ACTIVE program.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Program, error) {
	now := s.now()
	if err := req.validate(now); err != nil {
		return nil, err
	}

	p := &Program{
		ID:                     idgen.WithPrefix(idgen.PrefixProgram),
		Region:                 strings.TrimSpace(req.Region),
		AreaCode:               req.AreaCode,
		EstimatedBeneficiaries: req.EstimatedBeneficiaries,
		ExpirationDeadline:     req.ExpirationDeadline.UTC(),
		Status:                 StatusActive,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	entry := audit.NewEntry(ctx, audit.OpProgramStatusChanged, p.ID)
	entry.ProgramID = p.ID
	entry.AreaCode = p.AreaCode
	entry.Code = string(StatusActive)
	entry.Detail = "created"

	if err := s.store.Create(ctx, p, entry); err != nil {
		return nil, fmt.Errorf("create program: %w", err)
	}

	logging.L(ctx).Info("program created",
		"program_id", p.ID,
		"area_code", p.AreaCode,
		"deadline", p.ExpirationDeadline,
	)
	return p, nil
}

// Get returns a program by id.
func (s *Service) Get(ctx context.Context, id string) (*Program, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of programs.
func (s *Service) List(ctx context.Context, f Filter) (pagination.Page[*Program], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return pagination.Page[*Program]{}, err
	}
	return pagination.Build(items, limit, func(p *Program) string { return p.ID }), nil
}

// IssuableArea returns the area code of an ACTIVE program.
func (s *Service) IssuableArea(ctx context.Context, programID string) (string, bool, error) {
	p, err := s.store.Get(ctx, programID)
	if errors.Is(err, ErrProgramNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return p.AreaCode, p.Status == StatusActive, nil
}

// TransitionResult reports a status change and the token work it triggered.
type TransitionResult struct {
	Program *Program          `json:"program"`
	Sweep   *pool.SweepResult `json:"sweep,omitempty"`
	Retired int               `json:"retired"`
	// Warning is set when the status change committed but the follow-up
	// token work did not finish. Resweep completes it.
	Warning string `json:"warning,omitempty"`
}

// Suspend moves an ACTIVE program to SUSPENDED and sweeps its tokens.
func (s *Service) Suspend(ctx context.Context, id, reason string) (*TransitionResult, error) {
	return s.Transition(ctx, id, StatusSuspended, reason)
}

// Expire moves an ACTIVE program to EXPIRED and sweeps its tokens.
func (s *Service) Expire(ctx context.Context, id string) (*TransitionResult, error) {
	return s.Transition(ctx, id, StatusExpired, "")
}

// Dump closes a SUSPENDED or EXPIRED program and retires its REDEEMED tokens.
func (s *Service) Dump(ctx context.Context, id string) (*TransitionResult, error) {
	return s.Transition(ctx, id, StatusDumped, "")
}

// Transition changes a program's status with a compare-and-set on its
// current status, then runs the token work the new status requires.
func (s *Service) Transition(ctx context.Context, id string, to Status, reason string) (res *TransitionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "programs.Transition", traces.ProgramID(id))
	defer func() { traces.End(span, err) }()

	if !to.Valid() {
		return nil, ErrInvalidProgram.WithDetail("unknown status %q", to)
	}
	reason = strings.TrimSpace(reason)
	if to == StatusSuspended && reason == "" {
		return nil, ErrInvalidProgram.WithDetail("reason is required to suspend a program")
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := current.Status
	if !CanTransition(from, to) {
		return nil, ErrInvalidTransition.WithDetail("%s -> %s", from, to)
	}

	entry := audit.NewEntry(ctx, audit.OpProgramStatusChanged, id)
	entry.ProgramID = id
	entry.AreaCode = current.AreaCode
	entry.Code = string(to)
	entry.Detail = fmt.Sprintf("%s -> %s", from, to)
	if reason != "" {
		entry.Detail += ": " + reason
	}

	p, err := s.store.Transition(ctx, id, from, to, reason, s.now(), entry)
	if err != nil {
		return nil, fmt.Errorf("transition program %s: %w", id, err)
	}

	metrics.ProgramTransitionsTotal.WithLabelValues(string(to)).Inc()
	logging.L(ctx).Info("program status changed",
		"program_id", id,
		"from", from,
		"to", to,
		"reason", reason,
	)

	res = &TransitionResult{Program: p}
	var followUp []error
	if sweepReason, ok := sweepReasonFor(p); ok && (from == StatusActive || to == StatusDumped) {
		res.Sweep, err = s.sweeper.Sweep(ctx, id, sweepReason)
		if err != nil {
			followUp = append(followUp, err)
		} else if !res.Sweep.Complete() {
			followUp = append(followUp, fmt.Errorf("%d tokens not transferred", len(res.Sweep.Failed)))
		}
	}
	if to == StatusDumped {
		res.Retired, err = s.retirer.RetireRedeemed(ctx, id)
		if err != nil {
			followUp = append(followUp, err)
		}
	}
	if len(followUp) > 0 {
		joined := errors.Join(followUp...)
		res.Warning = joined.Error()
		logging.L(ctx).Error("program token work incomplete",
			"program_id", id,
			"to", to,
			"error", joined,
		)
	}
	return res, nil
}

// sweepReasonFor maps a non-ACTIVE program to the pool transfer reason of
// its tokens. A program keeps the reason it left ACTIVE with, which a
// recorded suspension reason identifies.
func sweepReasonFor(p *Program) (pool.TransferReason, bool) {
	switch p.Status {
	case StatusSuspended:
		return pool.ReasonSuspended, true
	case StatusExpired, StatusDumped:
		if p.SuspensionReason != "" {
			return pool.ReasonSuspended, true
		}
		return pool.ReasonExpired, true
	}
	return "", false
}

// Resweep runs the sweep again for a program that already left ACTIVE,
// picking up tokens an earlier sweep failed to move.
func (s *Service) Resweep(ctx context.Context, id string) (*pool.SweepResult, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	reason, ok := sweepReasonFor(p)
	if !ok {
		return nil, ErrNotSweepable.WithDetail("program %s is %s", id, p.Status)
	}
	res, err := s.sweeper.Sweep(ctx, id, reason)
	if err != nil {
		return nil, fmt.Errorf("resweep program %s: %w", id, err)
	}
	return res, nil
}

// ViolationResult reports a recorded violation.
type ViolationResult struct {
	Program   *Program     `json:"program"`
	Alert     *audit.Alert `json:"alert,omitempty"`
	Suspended bool         `json:"suspended"`
}

// ReportViolation counts a violation against a program, raises a VIOLATION
// alert and suspends the program once the count reaches the limit. When the
// violation is stored but the alert fails, the result is returned together
// with the error.
func (s *Service) ReportViolation(ctx context.Context, id, reason string) (*ViolationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrInvalidProgram.WithDetail("reason is required")
	}

	entry := audit.NewEntry(ctx, audit.OpProgramViolation, id)
	entry.ProgramID = id
	entry.Detail = reason

	p, err := s.store.AddViolation(ctx, id, s.now(), entry)
	if err != nil {
		return nil, fmt.Errorf("record violation for %s: %w", id, err)
	}
	logging.L(ctx).Warn("program violation recorded",
		"program_id", id,
		"count", p.ViolationCount,
		"reason", reason,
	)

	res := &ViolationResult{Program: p}
	if p.Status == StatusActive && p.ViolationCount >= s.maxViolations {
		tr, err := s.Suspend(ctx, id, fmt.Sprintf("violation limit reached (%d): %s", p.ViolationCount, reason))
		switch {
		case err == nil:
			res.Program = tr.Program
			res.Suspended = true
		case errors.Is(err, ErrInvalidTransition):
			// Another caller moved the program first.
		default:
			return res, fmt.Errorf("suspend program %s: %w", id, err)
		}
	}

	severity := audit.SeverityMedium
	if res.Suspended {
		severity = audit.SeverityHigh
	}
	alert, err := s.audit.RaiseAlert(ctx, audit.AlertRequest{
		Type:              audit.AlertViolation,
		Severity:          severity,
		Category:          "PROGRAM",
		Title:             fmt.Sprintf("Program violation %d of %d", p.ViolationCount, s.maxViolations),
		Description:       reason,
		SourceSystem:      "programs",
		SourceID:          entry.ID,
		AffectedProgramID: id,
		AreaCode:          p.AreaCode,
	})
	if err != nil {
		return res, fmt.Errorf("violation recorded but alert not raised: %w", err)
	}
	res.Alert = alert
	return res, nil
}

// RecordViolation counts a violation reported by another component.
func (s *Service) RecordViolation(ctx context.Context, programID, reason string) error {
	_, err := s.ReportViolation(ctx, programID, reason)
	return err
}

// ExpireDue expires every ACTIVE program whose deadline is at or before now
// and returns how many it expired. Programs another caller moved first are
// skipped; other failures are returned after the remaining programs ran.
func (s *Service) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	var errs []error
	for {
		due, err := s.store.ListDue(ctx, now, expireBatch)
		if err != nil {
			return expired, fmt.Errorf("list due programs: %w", err)
		}
		failed := 0
		for _, p := range due {
			if _, err := s.Expire(ctx, p.ID); err != nil {
				if errors.Is(err, ErrInvalidTransition) {
					continue
				}
				failed++
				errs = append(errs, err)
				continue
			}
			expired++
		}
		// Failed programs stay ACTIVE and would be listed again.
		if len(due) < expireBatch || failed > 0 {
			return expired, errors.Join(errs...)
		}
	}
}
