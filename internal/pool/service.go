package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/logging"
	"github.com/landlink/landlink/internal/metrics"
	"github.com/landlink/landlink/internal/pagination"
	"github.com/landlink/landlink/internal/traces"
)

// ClientLocator resolves the area a client is registered in.
type ClientLocator interface {
	ClientArea(ctx context.Context, clientID string) (area string, ok bool, err error)
}

// Publisher pushes pool changes to live dashboards.
type Publisher interface {
	PublishPoolToken(event string, pt *PoolToken)
}

// Pool events sent to the Publisher.
const (
	EventTransferred = "pool.transferred"
	EventClaimed     = "pool.claimed"
)

// Service resolves pool claims.
type Service struct {
	store     Store
	audit     *audit.Service
	clients   ClientLocator
	publisher Publisher
	now       func() time.Time
}

// NewService creates a new pool service.
func NewService(store Store, recorder *audit.Service, clients ClientLocator) *Service {
	return &Service{
		store:   store,
		audit:   recorder,
		clients: clients,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithPublisher attaches a live event publisher.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

// Get returns a pool token by id.
func (s *Service) Get(ctx context.Context, id string) (*PoolToken, error) {
	return s.store.Get(ctx, id)
}

// List returns a page of pool tokens.
func (s *Service) List(ctx context.Context, f Filter) (pagination.Page[*PoolToken], error) {
	limit := pagination.Clamp(f.Limit)
	f.Limit = limit + 1
	items, err := s.store.List(ctx, f)
	if err != nil {
		return pagination.Page[*PoolToken]{}, err
	}
	return pagination.Build(items, limit, func(pt *PoolToken) string { return pt.ID }), nil
}

// ClaimRequest is the input for Claim.
type ClaimRequest struct {
	ClientID string `json:"clientId"`
	KioskID  string `json:"kioskId,omitempty"`
}

// Claim gives an AVAILABLE pool token to a client registered in the same
// area. Of several concurrent claims on one token exactly one wins.
func (s *Service) Claim(ctx context.Context, id string, req ClaimRequest) (pt *PoolToken, err error) {
	ctx, span := traces.StartSpan(ctx, "pool.Claim",
		traces.PoolTokenID(id),
		traces.KioskID(req.KioskID),
	)
	defer func() { traces.End(span, err) }()

	current, err := s.claim(ctx, id, req)
	if err != nil {
		s.rejected(ctx, id, current, req, err)
		return nil, err
	}

	metrics.PoolClaimsTotal.WithLabelValues("ok").Inc()
	logging.L(ctx).Info("pool token claimed",
		"pool_token_id", current.ID,
		"client_id", req.ClientID,
		"kiosk_id", req.KioskID,
		"amount", current.Amount.String(),
	)
	if s.publisher != nil {
		s.publisher.PublishPoolToken(EventClaimed, current)
	}
	return current, nil
}

// claim returns the pool token as last seen alongside any error, so
// rejections can be recorded with its program and area.
func (s *Service) claim(ctx context.Context, id string, req ClaimRequest) (*PoolToken, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrInvalidClaim.WithDetail("pool token id is required")
	}
	if strings.TrimSpace(req.ClientID) == "" {
		return nil, ErrInvalidClaim.WithDetail("clientId is required")
	}

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusAvailable {
		return current, ErrAlreadyClaimed
	}

	area, ok, err := s.clients.ClientArea(ctx, req.ClientID)
	if err != nil {
		return current, err
	}
	if !ok {
		return current, ErrClaimantNotFound.WithDetail("client %s", req.ClientID)
	}
	if area != current.AreaCode {
		return current, ErrAreaRestriction.WithDetail("client area %s, token area %s", area, current.AreaCode)
	}

	entry := audit.NewEntry(ctx, audit.OpPoolClaimed, current.ID)
	entry.ProgramID = current.OriginalProgramID
	entry.ClientID = req.ClientID
	entry.KioskID = req.KioskID
	entry.AreaCode = current.AreaCode
	amount := current.Amount
	entry.Amount = &amount

	claimed, err := s.store.Claim(ctx, id, Claim{ClientID: req.ClientID, KioskID: req.KioskID, At: s.now()}, entry)
	if err != nil {
		return current, err
	}
	return claimed, nil
}

func (s *Service) rejected(ctx context.Context, id string, seen *PoolToken, req ClaimRequest, cause error) {
	if apperr.KindOf(cause) == apperr.KindUnavailable {
		metrics.PoolClaimsTotal.WithLabelValues("unavailable").Inc()
		return
	}
	code := "rejected"
	var ae *apperr.Error
	if errors.As(cause, &ae) {
		code = ae.Code
	}
	metrics.PoolClaimsTotal.WithLabelValues(code).Inc()

	entry := audit.NewEntry(ctx, audit.OpPoolClaimRejected, id)
	entry.Outcome = audit.OutcomeRejected
	entry.Code = code
	entry.Detail = cause.Error()
	entry.ClientID = req.ClientID
	entry.KioskID = req.KioskID
	if seen != nil {
		entry.ProgramID = seen.OriginalProgramID
		entry.AreaCode = seen.AreaCode
	}
	if s.audit != nil {
		s.audit.RecordBestEffort(ctx, entry)
	}
	logging.L(ctx).Info("pool claim rejected",
		"pool_token_id", id,
		"client_id", req.ClientID,
		"code", code,
	)
}

// Transfer moves one ACTIVE token into the pool. The sweeper calls it for
// each token of a program.
func (s *Service) Transfer(ctx context.Context, tokenID string, reason TransferReason) (*PoolToken, error) {
	if !reason.Valid() {
		return nil, ErrInvalidReason
	}
	pt, err := s.store.Transfer(ctx, tokenID, reason, s.now())
	if err != nil {
		return nil, fmt.Errorf("transfer %s: %w", tokenID, err)
	}
	if s.publisher != nil {
		s.publisher.PublishPoolToken(EventTransferred, pt)
	}
	return pt, nil
}
