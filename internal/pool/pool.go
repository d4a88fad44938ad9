// Package pool holds the public token pool. Tokens of suspended or expired
// programs are swept into the pool, where any client of the same area may
// claim them. A pool token is claimed at most once.
package pool

import (
	"context"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/idgen"
	"github.com/landlink/landlink/internal/money"
	"github.com/landlink/landlink/internal/tokens"
)

// ClaimStatus is the claim state of a pool token.
type ClaimStatus string

const (
	StatusAvailable ClaimStatus = "AVAILABLE"
	StatusClaimed   ClaimStatus = "CLAIMED"
)

// TransferReason records why a token entered the pool.
type TransferReason string

const (
	ReasonExpired   TransferReason = "EXPIRED"
	ReasonSuspended TransferReason = "SUSPENDED"
)

// Valid reports whether r is a known reason.
func (r TransferReason) Valid() bool {
	return r == ReasonExpired || r == ReasonSuspended
}

// PoolToken is the unredeemed value of a swept token, open to claims.
type PoolToken struct {
	ID                string         `json:"id"`
	SourceTokenID     string         `json:"sourceTokenId"`
	Amount            money.Amount   `json:"amount"`
	AreaCode          string         `json:"areaCode"`
	PoolEntryDate     time.Time      `json:"poolEntryDate"`
	Status            ClaimStatus    `json:"claimStatus"`
	OriginalProgramID string         `json:"originalProgramId"`
	TransferReason    TransferReason `json:"transferReason"`
	ClaimedBy         string         `json:"claimedBy,omitempty"`
	ClaimedAt         *time.Time     `json:"claimedAt,omitempty"`
	ClaimingKiosk     string         `json:"claimingKiosk,omitempty"`
}

// Filter narrows a pool listing. After is a pool token id cursor.
type Filter struct {
	AreaCode  string
	Status    ClaimStatus
	ProgramID string
	After     string
	Limit     int
}

// Claim describes who claims a pool token.
type Claim struct {
	ClientID string
	KioskID  string
	At       time.Time
}

var (
	ErrPoolTokenNotFound = apperr.NotFound("pool_token_not_found", "pool token not found")
	ErrClaimantNotFound  = apperr.NotFound("claimant_not_found", "claiming client not found")
	ErrAlreadyClaimed    = apperr.Conflict("already_claimed", "pool token already claimed")
	ErrNotTransferable   = apperr.Conflict("not_transferable", "token is not active and cannot enter the pool")
	ErrAreaRestriction   = apperr.Validation("area_restriction", "claimant area does not match pool token area")
	ErrInvalidClaim      = apperr.Validation("invalid_claim", "invalid claim request")
	ErrInvalidReason     = apperr.Validation("invalid_transfer_reason", "transfer reason must be EXPIRED or SUSPENDED")
)

// Store persists pool tokens.
type Store interface {
	// Transfer moves an ACTIVE token into the pool: the token becomes
	// TRANSFERRED_TO_POOL, a pool token is inserted and a pool.transferred
	// entry is written, all or nothing. A token that is not ACTIVE yields
	// ErrNotTransferable.
	Transfer(ctx context.Context, tokenID string, reason TransferReason, now time.Time) (*PoolToken, error)
	Get(ctx context.Context, id string) (*PoolToken, error)
	List(ctx context.Context, f Filter) ([]*PoolToken, error)
	// Claim marks an AVAILABLE pool token CLAIMED and writes entry with it.
	// Exactly one of several concurrent claims succeeds; the others get
	// ErrAlreadyClaimed.
	Claim(ctx context.Context, id string, claim Claim, entry *audit.Entry) (*PoolToken, error)
}

// newTransfer builds the pool token and audit entry for moving t. The pool
// token carries the value the client had not redeemed yet.
func newTransfer(ctx context.Context, t *tokens.Token, reason TransferReason, now time.Time) (*PoolToken, *audit.Entry) {
	pt := &PoolToken{
		ID:                idgen.WithPrefix(idgen.PrefixPool),
		SourceTokenID:     t.ID,
		Amount:            t.Balance(),
		AreaCode:          t.AreaCode,
		PoolEntryDate:     now,
		Status:            StatusAvailable,
		OriginalProgramID: t.ProgramID,
		TransferReason:    reason,
	}

	entry := audit.NewEntry(ctx, audit.OpPoolTransferred, t.ID)
	entry.ProgramID = t.ProgramID
	entry.ClientID = t.ClientID
	entry.AreaCode = t.AreaCode
	amount := pt.Amount
	entry.Amount = &amount
	entry.Code = string(reason)
	entry.Detail = "pool token " + pt.ID
	return pt, entry
}
