// Package directory keeps the administrative records around the ledger:
// clients, kiosks, staff, organizations, sessions, wallets and system
// settings. Every record kind shares one generic store and one set of CRUD
// handlers; a Kind describes the table, id scheme, filters and unique
// fields of a record type.
package directory

import (
	"context"
	"time"

	"github.com/landlink/landlink/internal/apperr"
)

// Base holds the fields every record carries.
type Base struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

func (b *Base) base() *Base { return b }

// Record is implemented by pointers to record types. Prepare normalizes the
// record and validates it before every write.
type Record[T any] interface {
	*T
	base() *Base
	Prepare() error
}

// Field maps a list query parameter to a column and its in-memory value.
type Field[T any] struct {
	Param  string
	Column string
	Value  func(*T) string
}

// Kind describes one record type.
type Kind[T any] struct {
	// Name is the singular JSON key, Plural the JSON key for lists and Path
	// the route segment.
	Name   string
	Plural string
	Path   string
	Table  string

	// Prefix generates ids. When empty the caller supplies the id.
	Prefix string

	// Columns lists the record's own columns, excluding Base.
	Columns []string
	Filters []Field[T]
	Unique  []Field[T]

	// Present adjusts a record copy before it leaves the service.
	Present func(*T)

	// Merge, when set, carries stored values into an update before it is
	// validated.
	Merge func(current, next *T)
}

func (k *Kind[T]) filter(param string) (Field[T], bool) {
	for _, f := range k.Filters {
		if f.Param == param {
			return f, true
		}
	}
	return Field[T]{}, false
}

// ListFilter narrows a listing. Match is keyed by filter parameter.
type ListFilter struct {
	Match map[string]string
	After string
	Limit int
}

var (
	ErrRecordNotFound = apperr.NotFound("record_not_found", "record not found")
	ErrDuplicate      = apperr.Conflict("duplicate_record", "a record with the same unique field exists")
	ErrInvalidRecord  = apperr.Validation("invalid_record", "invalid record")
)

// Store persists one record kind.
type Store[T any, P Record[T]] interface {
	Create(ctx context.Context, rec P) error
	Get(ctx context.Context, id string) (P, error)
	List(ctx context.Context, f ListFilter) ([]P, error)
	Update(ctx context.Context, rec P) error
}
