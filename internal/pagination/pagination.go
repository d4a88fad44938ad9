// Package pagination provides keyset pagination over id-ordered listings.
//
// Every listing in LandLink is ordered by its primary key. Audit ids are
// time-ordered, so for the audit trail id order is also creation order.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Page is one slice of a listing plus the cursor for the next one.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
	HasMore    bool   `json:"hasMore"`
}

// Encode returns an opaque cursor for the position after id.
func Encode(id string) string {
	if id == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// Decode parses an opaque cursor. Empty input means "from the start".
func Decode(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return "", fmt.Errorf("invalid cursor")
	}
	return string(raw), nil
}

// ParseLimit reads a limit query value, clamping to [1, MaxLimit].
func ParseLimit(raw string) int {
	if raw == "" {
		return DefaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// Clamp bounds a programmatic limit the same way ParseLimit bounds a query
// value.
func Clamp(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Build turns items fetched with limit+1 into a page. id extracts the key
// of an item.
func Build[T any](items []T, limit int, id func(T) string) Page[T] {
	if items == nil {
		items = []T{}
	}
	if len(items) <= limit {
		return Page[T]{Items: items}
	}
	items = items[:limit]
	return Page[T]{
		Items:      items,
		NextCursor: Encode(id(items[len(items)-1])),
		HasMore:    true,
	}
}
