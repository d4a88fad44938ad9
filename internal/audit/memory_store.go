package audit

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory audit store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	entries       []*Entry
	verifications []*VerificationLog
	alerts        map[string]*Alert

	// failWith, when set, is returned by every append. Tests use it to
	// simulate an unavailable store.
	failWith error
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]*Alert)}
}

// FailAppends makes subsequent appends return err. Pass nil to recover.
func (m *MemoryStore) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *MemoryStore) AppendEntry(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *e
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if f.SubjectID != "" && e.SubjectID != f.SubjectID {
			continue
		}
		if f.ProgramID != "" && e.ProgramID != f.ProgramID {
			continue
		}
		if f.Operation != "" && e.Operation != f.Operation {
			continue
		}
		if f.After != "" && e.ID <= f.After {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, f.Limit), nil
}

func (m *MemoryStore) AppendVerification(_ context.Context, v *VerificationLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *v
	m.verifications = append(m.verifications, &cp)
	return nil
}

func (m *MemoryStore) ListVerifications(_ context.Context, f VerificationFilter) ([]*VerificationLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*VerificationLog
	for _, v := range m.verifications {
		if f.ClientID != "" && v.ClientID != f.ClientID {
			continue
		}
		if f.KioskID != "" && v.KioskID != f.KioskID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.After != "" && v.ID <= f.After {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, f.Limit), nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	cp := *a
	m.alerts[a.ID] = &cp
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, f AlertFilter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Alert
	for _, a := range m.alerts {
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		if f.Type != "" && a.Type != f.Type {
			continue
		}
		if f.AreaCode != "" && a.AreaCode != f.AreaCode {
			continue
		}
		if f.After != "" && a.ID <= f.After {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return truncate(out, f.Limit), nil
}

func (m *MemoryStore) TransitionAlert(_ context.Context, from AlertStatus, next *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[next.ID]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Status != from {
		return ErrInvalidAlertTransition.WithDetail("alert is %s, expected %s", a.Status, from)
	}
	a.Status = next.Status
	a.AcknowledgedBy = next.AcknowledgedBy
	a.AcknowledgedAt = next.AcknowledgedAt
	a.ResolvedBy = next.ResolvedBy
	a.ResolvedAt = next.ResolvedAt
	a.ResolutionNotes = next.ResolutionNotes
	return nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
