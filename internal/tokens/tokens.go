// Package tokens implements the token ledger: issuing aid tokens against a
// program and redeeming them at kiosks within a weekly allowance.
//
// A token carries a face value (Amount) and a weekly limit. Redemptions add
// to WeeklyRedeemed and TotalRedeemed; neither may exceed its cap. The weekly
// counter resets lazily: when the ISO week of the last redemption differs
// from the current week, the next redemption starts from zero.
//
// Status lifecycle:
//
//	ACTIVE -> REDEEMED             (weekly allowance or face value used up)
//	REDEEMED -> ACTIVE             (new week, balance left)
//	ACTIVE -> TRANSFERRED_TO_POOL  (program suspended or expired; sweeper only)
//	REDEEMED -> EXPIRED            (program dumped)
package tokens

import (
	"context"
	"regexp"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/money"
)

// Status is the claim status of a token.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusRedeemed    Status = "REDEEMED"
	StatusTransferred Status = "TRANSFERRED_TO_POOL"
	StatusExpired     Status = "EXPIRED"
)

// IsTerminal reports whether the token can never be redeemed again.
func (s Status) IsTerminal() bool {
	return s == StatusTransferred || s == StatusExpired
}

// Token is an aid entitlement owned by a client under a program.
type Token struct {
	ID             string       `json:"id"`
	ClientID       string       `json:"clientId"`
	ProgramID      string       `json:"programId"`
	Amount         money.Amount `json:"amount"`
	WeeklyLimit    money.Amount `json:"weeklyLimit"`
	WeeklyRedeemed money.Amount `json:"weeklyRedeemed"`
	TotalRedeemed  money.Amount `json:"totalRedeemed"`
	AreaCode       string       `json:"areaCode"`
	Status         Status       `json:"claimStatus"`
	IssuedAt       time.Time    `json:"issuedAt"`
	LastRedemption *time.Time   `json:"lastRedemption,omitempty"`
	Version        int64        `json:"version"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Balance is the face value not yet redeemed.
func (t *Token) Balance() money.Amount {
	return t.Amount - t.TotalRedeemed
}

// ListFilter narrows a token listing. After is a token id cursor.
type ListFilter struct {
	ClientID  string
	ProgramID string
	Status    Status
	After     string
	Limit     int
}

var areaCodePattern = regexp.MustCompile(`^[A-Z0-9_-]{2,10}$`)

// ValidAreaCode reports whether code is a well-formed area code.
func ValidAreaCode(code string) bool {
	return areaCodePattern.MatchString(code)
}

var (
	ErrTokenNotFound       = apperr.NotFound("token_not_found", "token not found")
	ErrTokenNotActive      = apperr.Conflict("token_not_active", "token is not active")
	ErrWeeklyLimitExceeded = apperr.Conflict("weekly_limit_exceeded", "weekly redemption limit exceeded")
	ErrInsufficientBalance = apperr.Conflict("insufficient_balance", "redemption exceeds remaining token value")
	ErrProgramNotActive    = apperr.Conflict("program_not_active", "program is missing or not active")
	ErrConcurrentUpdate    = apperr.Conflict("concurrent_update", "token was modified concurrently")
	ErrAreaMismatch        = apperr.Validation("area_mismatch", "kiosk area does not match token area")
	ErrInvalidAmount       = apperr.Validation("invalid_amount", "invalid amount")
	ErrInvalidAreaCode     = apperr.Validation("invalid_area_code", "area code must match ^[A-Z0-9_-]{2,10}$")
	ErrInvalidToken        = apperr.Validation("invalid_token", "invalid token request")
)

// ProgramState is the owning program's status as the store read it inside
// the mutation. Known is false for stores that do not hold programs.
type ProgramState struct {
	Status string
	Known  bool
}

// Active reports whether the program was ACTIVE when read.
func (p ProgramState) Active() bool { return p.Status == "ACTIVE" }

// MutateFunc changes t in place and returns the audit entry describing the
// change. Returning an error discards the change.
type MutateFunc func(t *Token, program ProgramState) (*audit.Entry, error)

// Store persists tokens.
type Store interface {
	// Create inserts t together with entry. Postgres refuses the insert
	// when the program is not ACTIVE at commit time.
	Create(ctx context.Context, t *Token, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Token, error)
	List(ctx context.Context, f ListFilter) ([]*Token, error)

	// Mutate runs fn against the current token with the token locked,
	// then persists the result and the returned audit entry as one unit.
	// Version is incremented by the store. Postgres share-locks the owning
	// program before the token and hands its status to fn.
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Token, error)
}
