package tokens

import (
	"context"
	"sort"
	"sync"

	"github.com/landlink/landlink/internal/audit"
)

// MemoryStore is an in-memory token store for development and tests. Audit
// entries go to the appender while the store lock is held, so a failed
// append leaves the token unchanged.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]*Token
	audit  audit.Appender
}

// NewMemoryStore creates a new in-memory token store.
func NewMemoryStore(appender audit.Appender) *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]*Token),
		audit:  appender,
	}
}

func (m *MemoryStore) Create(ctx context.Context, t *Token, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tokens[t.ID]; exists {
		return ErrInvalidToken.WithDetail("token %s already exists", t.ID)
	}
	if entry != nil && m.audit != nil {
		if err := m.audit.AppendEntry(ctx, entry); err != nil {
			return err
		}
	}
	cp := *t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return copyToken(t), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Token
	for _, t := range m.tokens {
		if f.ClientID != "" && t.ClientID != f.ClientID {
			continue
		}
		if f.ProgramID != "" && t.ProgramID != f.ProgramID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.After != "" && t.ID <= f.After {
			continue
		}
		out = append(out, copyToken(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Mutate(ctx context.Context, id string, fn MutateFunc) (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.tokens[id]
	if !ok {
		return nil, ErrTokenNotFound
	}
	next := copyToken(current)
	entry, err := fn(next, ProgramState{})
	if err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1

	if entry != nil && m.audit != nil {
		if err := m.audit.AppendEntry(ctx, entry); err != nil {
			return nil, err
		}
	}
	m.tokens[id] = next
	return copyToken(next), nil
}

func copyToken(t *Token) *Token {
	cp := *t
	if t.LastRedemption != nil {
		at := *t.LastRedemption
		cp.LastRedemption = &at
	}
	return &cp
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
