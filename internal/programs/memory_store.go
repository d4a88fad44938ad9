package programs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/landlink/landlink/internal/audit"
)

// MemoryStore is an in-memory program store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	programs map[string]*Program
	audit    audit.Appender
}

// NewMemoryStore creates a new in-memory program store. Entries are appended
// while the store lock is held, so a failed append leaves the program
// unchanged.
func NewMemoryStore(appender audit.Appender) *MemoryStore {
	return &MemoryStore{
		programs: make(map[string]*Program),
		audit:    appender,
	}
}

func (m *MemoryStore) appendEntry(ctx context.Context, entry *audit.Entry) error {
	if entry == nil || m.audit == nil {
		return nil
	}
	return m.audit.AppendEntry(ctx, entry)
}

func (m *MemoryStore) Create(ctx context.Context, p *Program, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.programs[p.ID]; exists {
		return ErrInvalidProgram.WithDetail("program %s already exists", p.ID)
	}
	if err := m.appendEntry(ctx, entry); err != nil {
		return err
	}
	cp := *p
	m.programs[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.programs[id]
	if !ok {
		return nil, ErrProgramNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Program
	for _, p := range m.programs {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.AreaCode != "" && p.AreaCode != f.AreaCode {
			continue
		}
		if f.After != "" && p.ID <= f.After {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, from, to Status, reason string, now time.Time, entry *audit.Entry) (*Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return nil, ErrProgramNotFound
	}
	if p.Status != from {
		return nil, ErrInvalidTransition.WithDetail("program is %s, expected %s", p.Status, from)
	}
	if err := m.appendEntry(ctx, entry); err != nil {
		return nil, err
	}

	p.Status = to
	if to == StatusSuspended {
		p.SuspensionReason = reason
	}
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) AddViolation(ctx context.Context, id string, now time.Time, entry *audit.Entry) (*Program, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return nil, ErrProgramNotFound
	}
	if entry != nil {
		entry.AreaCode = p.AreaCode
	}
	if err := m.appendEntry(ctx, entry); err != nil {
		return nil, err
	}

	p.ViolationCount++
	p.UpdatedAt = now
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time, limit int) ([]*Program, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Program
	for _, p := range m.programs {
		if p.Status != StatusActive || p.ExpirationDeadline.After(now) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
