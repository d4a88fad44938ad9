package tokens

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/money"
	"github.com/landlink/landlink/internal/pagination"
	"github.com/landlink/landlink/internal/traces"
)

// ProgramGuard reports whether tokens may be issued or redeemed under a
// program.
type ProgramGuard interface {
	// IssuableArea returns the area code of an ACTIVE program. ok is false
	// when the program is missing or not ACTIVE.
	IssuableArea(ctx context.Context, programID string) (area string, ok bool, err error)
}

// ViolationReporter counts a violation against a program.
type ViolationReporter interface {
	RecordViolation(ctx context.Context, programID, reason string) error
}

// KioskLocator resolves the area a kiosk is installed in.
type KioskLocator interface {
	KioskArea(ctx context.Context, kioskID string) (area string, ok bool, err error)
}

// Service implements the token ledger.
type Service struct {
	store      Store
	audit      *audit.Service
	programs   ProgramGuard
	violations ViolationReporter
	kiosks     KioskLocator
	now        func() time.Time
}

// NewService creates a new token service. Rejected redemptions are recorded
// through recorder.
func NewService(store Store, recorder *audit.Service) *Service {
	return &Service{
		store: store,
		audit: recorder,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithPrograms sets the program guard consulted on issue and redeem.
func (s *Service) WithPrograms(g ProgramGuard) *Service {
	s.programs = g
	return s
}

// WithViolations sets where area mismatches are reported.
func (s *Service) WithViolations(v ViolationReporter) *Service {
	s.violations = v
	return s
}

// WithKiosks sets the kiosk directory used to derive the redemption area.
func (s *Service) WithKiosks(k KioskLocator) *Service {
	s.kiosks = k
	return s
}

// IssueRequest is the input for Issue. AreaCode defaults to the program's.
type IssueRequest struct {
	ClientID    string       `json:"clientId"`
	ProgramID   string       `json:"programId"`
	Amount      money.Amount `json:"amount"`
	WeeklyLimit money.Amount `json:"weeklyLimit"`
	AreaCode    string       `json:"areaCode"`
}

func (r *IssueRequest) validate() error {
	if strings.TrimSpace(r.ClientID) == "" {
		return ErrInvalidToken.WithDetail("clientId is required")
	}
	if strings.TrimSpace(r.ProgramID) == "" {
		return ErrInvalidToken.WithDetail("programId is required")
	}
	if !r.Amount.IsPositive() {
		return ErrInvalidAmount.WithDetail("amount must be positive")
	}
	if !r.WeeklyLimit.IsPositive() {
		return ErrInvalidAmount.WithDetail("weeklyLimit must be positive")
	}
	if !r.Amount.InRange() || !r.WeeklyLimit.InRange() {
		return ErrInvalidAmount.WithDetail("amounts may not exceed %s", money.MaxAmount)
	}
	if r.AreaCode != "" && !ValidAreaCode(r.AreaCode) {
		return ErrInvalidAreaCode
	}
	return nil
}

// Issue creates an ACTIVE token under an ACTIVE program.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (t *Token, err error) {
	ctx, span := traces.StartSpan(ctx, "tokens.Issue",
		traces.ProgramID(req.ProgramID),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	if err := req.validate(); err != nil {
		return nil, err
	}

	area := req.AreaCode
	if s.programs != nil {
		programArea, ok, err := s.programs.IssuableArea(ctx, req.ProgramID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrProgramNotActive.WithDetail("program %s", req.ProgramID)
		}
		if area == "" {
			area = programArea
		}
	}
	if !ValidAreaCode(area) {
		return nil, ErrInvalidAreaCode
	}

	now := s.now()
	t = &Token{
		ID:          idgen.WithPrefix(idgen.PrefixToken),
		ClientID:    req.ClientID,
		ProgramID:   req.ProgramID,
		Amount:      req.Amount,
		WeeklyLimit: req.WeeklyLimit,
		AreaCode:    area,
		Status:      StatusActive,
		IssuedAt:    now,
		Version:     1,
		UpdatedAt:   now,
	}

	entry := audit.NewEntry(ctx, audit.OpTokenIssued, t.ID)
	entry.ProgramID = t.ProgramID
	entry.ClientID = t.ClientID
	entry.AreaCode = t.AreaCode
	entry.Amount = &t.Amount

	if err := s.store.Create(ctx, t, entry); err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	metrics.TokensIssuedTotal.Inc()
	logging.L(ctx).Info("token issued",
		"token_id", t.ID,
		"client_id", t.ClientID,
		"program_id", t.ProgramID,
		"amount", t.Amount.String(),
	)
	return t, nil
}

// Get returns a token by id.
func (s *Service) Get(ctx context.Context, id string) (*Token, error) {
	return s.store.Get(ctx, id)
}

// ListByClient returns a page of a client's tokens.
func (s *Service) ListByClient(ctx context.Context, clientID, after string, limit int) (pagination.Page[*Token], error) {
	return s.list(ctx, ListFilter{ClientID: clientID, After: after, Limit: limit})
}

// ListByProgram returns a page of a program's tokens, optionally by status.
func (s *Service) ListByProgram(ctx context.Context, programID string, status Status, after string, limit int) (pagination.Page[*Token], error) {
	return s.list(ctx, ListFilter{ProgramID: programID, Status: status, After: after, Limit: limit})
}

func (s *Service) list(ctx context.Context, f ListFilter) (pagination.Page[*Token], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return pagination.Page[*Token]{}, err
	}
	return pagination.Build(items, limit, func(t *Token) string { return t.ID }), nil
}

// RedemptionResult is a successful redemption.
type RedemptionResult struct {
	Token    *Token       `json:"token"`
	Redeemed money.Amount `json:"redeemed"`
	Decision Decision     `json:"decision"`
}

// resolveArea fills in the redemption area from the kiosk directory when the
// caller did not supply one.
func (s *Service) resolveArea(ctx context.Context, req *RedeemRequest) error {
	if req.AreaCode != "" || req.KioskID == "" || s.kiosks == nil {
		return nil
	}
	area, ok, err := s.kiosks.KioskArea(ctx, req.KioskID)
	if err != nil {
		return err
	}
	if ok {
		req.AreaCode = area
	}
	return nil
}

// Evaluate runs the redemption gate against the stored token without
// changing anything.
func (s *Service) Evaluate(ctx context.Context, tokenID string, req RedeemRequest) (*Decision, error) {
	if err := s.resolveArea(ctx, &req); err != nil {
		return nil, err
	}
	t, err := s.store.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	d := Evaluate(*t, req, s.now())
	return &d, nil
}

// Redeem redeems req.Amount from a token. The gate decision, the update and
// the audit entry are applied atomically; a concurrent redemption of the
// same token waits for this one.
func (s *Service) Redeem(ctx context.Context, tokenID string, req RedeemRequest) (res *RedemptionResult, err error) {
	ctx, span := traces.StartSpan(ctx, "tokens.Redeem",
		traces.TokenID(tokenID),
		traces.KioskID(req.KioskID),
		traces.Amount(req.Amount.String()),
	)
	defer func() { traces.End(span, err) }()

	if err := s.resolveArea(ctx, &req); err != nil {
		return nil, err
	}

	var (
		decision Decision
		seen     Token
	)
	t, err := s.store.Mutate(ctx, tokenID, func(t *Token, program ProgramState) (*audit.Entry, error) {
		seen = *t
		now := s.now()
		decision = Evaluate(*t, req, now)
		if !decision.Allowed {
			return nil, decision.Err
		}
		if err := s.checkProgram(ctx, t.ProgramID, program); err != nil {
			return nil, err
		}
		apply(t, req.Amount, decision, now)

		entry := audit.NewEntry(ctx, audit.OpTokenRedeemed, t.ID)
		entry.ProgramID = t.ProgramID
		entry.ClientID = t.ClientID
		entry.KioskID = req.KioskID
		entry.AreaCode = t.AreaCode
		amount := req.Amount
		entry.Amount = &amount
		return entry, nil
	})
	if err != nil {
		s.rejected(ctx, tokenID, &seen, req, err)
		return nil, err
	}

	metrics.RedemptionsTotal.WithLabelValues("ok").Inc()
	metrics.RedeemedCentsTotal.Add(float64(req.Amount.Cents()))
	logging.L(ctx).Info("token redeemed",
		"token_id", t.ID,
		"kiosk_id", req.KioskID,
		"amount", req.Amount.String(),
		"weekly_redeemed", t.WeeklyRedeemed.String(),
		"status", t.Status,
	)
	return &RedemptionResult{Token: t, Redeemed: req.Amount, Decision: decision}, nil
}

// checkProgram refuses redemptions under a program that is no longer
// ACTIVE. A status read by the store is used as is; the guard is consulted
// only for stores that cannot see programs.
func (s *Service) checkProgram(ctx context.Context, programID string, program ProgramState) error {
	if program.Known {
		if !program.Active() {
			return ErrProgramNotActive.WithDetail("program %s is %s", programID, program.Status)
		}
		return nil
	}
	if s.programs == nil {
		return nil
	}
	_, ok, err := s.programs.IssuableArea(ctx, programID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProgramNotActive.WithDetail("program %s", programID)
	}
	return nil
}

// rejected records a refused redemption. Storage failures are not
// rejections and are left to the caller.
func (s *Service) rejected(ctx context.Context, tokenID string, seen *Token, req RedeemRequest, cause error) {
	if apperr.KindOf(cause) == apperr.KindUnavailable {
		metrics.RedemptionsTotal.WithLabelValues("unavailable").Inc()
		return
	}

	code := "rejected"
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		code = ae.Code
	}
	metrics.RedemptionsTotal.WithLabelValues(code).Inc()

	entry := audit.NewEntry(ctx, audit.OpTokenRedeemRejected, tokenID)
	entry.Outcome = audit.OutcomeRejected
	entry.Code = code
	entry.Detail = cause.Error()
	entry.ProgramID = seen.ProgramID
	entry.ClientID = seen.ClientID
	entry.KioskID = req.KioskID
	entry.AreaCode = req.AreaCode
	if req.Amount.IsPositive() && req.Amount.InRange() {
		amount := req.Amount
		entry.Amount = &amount
	}
	if s.audit != nil {
		s.audit.RecordBestEffort(ctx, entry)
	}

	logging.L(ctx).Info("redemption rejected",
		"token_id", tokenID,
		"kiosk_id", req.KioskID,
		"code", code,
	)

	if errors.Is(cause, ErrAreaMismatch) && s.violations != nil && seen.ProgramID != "" {
		reason := fmt.Sprintf("redemption of token %s attempted from area %s", tokenID, req.AreaCode)
		if err := s.violations.RecordViolation(ctx, seen.ProgramID, reason); err != nil {
			logging.L(ctx).Warn("program violation not recorded",
				"program_id", seen.ProgramID,
				"error", err,
			)
		}
	}
}

// RetireRedeemed moves the REDEEMED tokens of a program to EXPIRED. Tokens
// that changed status meanwhile are left alone. It returns the number of
// tokens retired.
func (s *Service) RetireRedeemed(ctx context.Context, programID string) (int, error) {
	retired := 0
	after := ""
	for {
		batch, err := s.store.List(ctx, ListFilter{
			ProgramID: programID,
			Status:    StatusRedeemed,
			After:     after,
			Limit:     pagination.MaxLimit,
		})
		if err != nil {
			return retired, fmt.Errorf("list redeemed tokens: %w", err)
		}
		for _, t := range batch {
			_, err := s.store.Mutate(ctx, t.ID, func(t *Token, _ ProgramState) (*audit.Entry, error) {
				if t.Status != StatusRedeemed {
					return nil, errSkip
				}
				t.Status = StatusExpired
				t.UpdatedAt = s.now()
				entry := audit.NewEntry(ctx, audit.OpTokenRetired, t.ID)
				entry.ProgramID = t.ProgramID
				entry.ClientID = t.ClientID
				entry.AreaCode = t.AreaCode
				balance := t.Balance()
				entry.Amount = &balance
				return entry, nil
			})
			switch {
			case err == nil:
				retired++
			case errors.Is(err, errSkip):
			default:
				return retired, fmt.Errorf("retire token %s: %w", t.ID, err)
			}
		}
		if len(batch) < pagination.MaxLimit {
			return retired, nil
		}
		after = batch[len(batch)-1].ID
	}
}

var errSkip = errors.New("tokens: skip")
