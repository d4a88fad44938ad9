package directory

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory record store for development and tests. It
// enforces the kind's unique fields the way the database constraints do.
type MemoryStore[T any, P Record[T]] struct {
	mu      sync.RWMutex
	kind    *Kind[T]
	records map[string]T
}

// NewMemoryStore creates a new in-memory store for kind.
func NewMemoryStore[T any, P Record[T]](kind *Kind[T]) *MemoryStore[T, P] {
	return &MemoryStore[T, P]{kind: kind, records: make(map[string]T)}
}

// conflict reports whether another record already holds one of rec's
// unique values. Empty values never conflict.
func (m *MemoryStore[T, P]) conflict(rec P) error {
	id := rec.base().ID
	for _, u := range m.kind.Unique {
		v := u.Value((*T)(rec))
		if v == "" {
			continue
		}
		for otherID, other := range m.records {
			if otherID == id {
				continue
			}
			if u.Value(&other) == v {
				return ErrDuplicate.WithDetail("%s %q already exists", u.Column, v)
			}
		}
	}
	return nil
}

func (m *MemoryStore[T, P]) Create(_ context.Context, rec P) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.base().ID
	if _, exists := m.records[id]; exists {
		return ErrDuplicate.WithDetail("%s %s already exists", m.kind.Name, id)
	}
	if err := m.conflict(rec); err != nil {
		return err
	}
	m.records[id] = *rec
	return nil
}

func (m *MemoryStore[T, P]) Get(_ context.Context, id string) (P, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound.WithDetail("%s %s", m.kind.Name, id)
	}
	return P(&rec), nil
}

func (m *MemoryStore[T, P]) List(_ context.Context, f ListFilter) ([]P, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []P
	for id, rec := range m.records {
		if f.After != "" && id <= f.After {
			continue
		}
		if !m.matches(&rec, f.Match) {
			continue
		}
		cp := rec
		out = append(out, P(&cp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].base().ID < out[j].base().ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore[T, P]) matches(rec *T, match map[string]string) bool {
	for param, want := range match {
		if want == "" {
			continue
		}
		field, ok := m.kind.filter(param)
		if !ok || field.Value(rec) != want {
			return false
		}
	}
	return true
}

func (m *MemoryStore[T, P]) Update(_ context.Context, rec P) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := rec.base().ID
	current, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound.WithDetail("%s %s", m.kind.Name, id)
	}
	if err := m.conflict(rec); err != nil {
		return err
	}
	rec.base().CreatedAt = P(&current).base().CreatedAt
	m.records[id] = *rec
	return nil
}
