// Package programs manages aid programs: their lifecycle, violation counting
// and deadline expiry.
//
// Status lifecycle:
//
//	ACTIVE -> SUSPENDED -> DUMPED
//	ACTIVE -> EXPIRED   -> DUMPED
//	          SUSPENDED -> EXPIRED
//
// A program never returns to ACTIVE. Leaving ACTIVE sweeps the program's
// ACTIVE tokens into the public pool; dumping retires its REDEEMED tokens.
// A suspended program that expires keeps its pooled tokens as they are.
package programs

import (
	"context"
	"time"

	"github.com/landlink/landlink/internal/apperr"
	"github.com/landlink/landlink/internal/audit"
)

// Status is the lifecycle status of a program.
type Status string

const (
	StatusActive    Status = "ACTIVE"
	StatusSuspended Status = "SUSPENDED"
	StatusExpired   Status = "EXPIRED"
	StatusDumped    Status = "DUMPED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired, StatusDumped:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusActive:    {StatusSuspended, StatusExpired},
	StatusSuspended: {StatusExpired, StatusDumped},
	StatusExpired:   {StatusDumped},
}

// CanTransition reports whether a program may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Program is an aid program tokens are issued against.
type Program struct {
	ID                     string    `json:"id"`
	Region                 string    `json:"region"`
	AreaCode               string    `json:"areaCode"`
	EstimatedBeneficiaries int       `json:"estimatedBeneficiaries"`
	ExpirationDeadline     time.Time `json:"expirationDeadline"`
	Status                 Status    `json:"status"`
	ViolationCount         int       `json:"violationCount"`
	SuspensionReason       string    `json:"suspensionReason,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Filter narrows a program listing. After is a program id cursor.
type Filter struct {
	Status   Status
	AreaCode string
	After    string
	Limit    int
}

var (
	ErrProgramNotFound   = apperr.NotFound("program_not_found", "program not found")
	ErrInvalidTransition = apperr.Conflict("invalid_program_transition", "program status transition not allowed")
	ErrNotSweepable      = apperr.Conflict("program_not_sweepable", "only suspended or expired programs can be swept")
	ErrInvalidProgram    = apperr.Validation("invalid_program", "invalid program request")
)

// Store persists programs.
type Store interface {
	Create(ctx context.Context, p *Program, entry *audit.Entry) error
	Get(ctx context.Context, id string) (*Program, error)
	List(ctx context.Context, f Filter) ([]*Program, error)

	// Transition moves the program from one status to another with a
	// compare-and-set on the current status and writes entry in the same
	// unit of work. A lost race returns ErrInvalidTransition.
	Transition(ctx context.Context, id string, from, to Status, reason string, now time.Time, entry *audit.Entry) (*Program, error)

	// AddViolation increments the violation count and writes entry as one
	// unit, returning the updated program.
	AddViolation(ctx context.Context, id string, now time.Time, entry *audit.Entry) (*Program, error)

	// ListDue returns ACTIVE programs whose deadline is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Program, error)
}
