package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/landlink/landlink/internal/audit"
	"github.com/landlink/landlink/internal/tokens"
)

// TokenMutator is the part of tokens.Store the memory pool needs.
type TokenMutator interface {
	Mutate(ctx context.Context, id string, fn tokens.MutateFunc) (*tokens.Token, error)
}

// MemoryStore is an in-memory pool store for development and tests. The
// pool lock is taken before the token store lock, never the reverse.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]*PoolToken
	bySource map[string]string
	tokens   TokenMutator
	audit    audit.Appender
}

// NewMemoryStore creates a pool store over the given token store.
func NewMemoryStore(tokenStore TokenMutator, appender audit.Appender) *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]*PoolToken),
		bySource: make(map[string]string),
		tokens:   tokenStore,
		audit:    appender,
	}
}

func (m *MemoryStore) Transfer(ctx context.Context, tokenID string, reason TransferReason, now time.Time) (*PoolToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pt *PoolToken
	_, err := m.tokens.Mutate(ctx, tokenID, func(t *tokens.Token, _ tokens.ProgramState) (*audit.Entry, error) {
		if t.Status != tokens.StatusActive {
			return nil, ErrNotTransferable.WithDetail("token %s is %s", t.ID, t.Status)
		}
		if _, dup := m.bySource[t.ID]; dup {
			return nil, ErrNotTransferable.WithDetail("token %s already pooled", t.ID)
		}
		var entry *audit.Entry
		pt, entry = newTransfer(ctx, t, reason, now)
		t.Status = tokens.StatusTransferred
		t.UpdatedAt = now
		return entry, nil
	})
	if err != nil {
		return nil, err
	}

	m.items[pt.ID] = pt
	m.bySource[pt.SourceTokenID] = pt.ID
	return copyPoolToken(pt), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*PoolToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pt, ok := m.items[id]
	if !ok {
		return nil, ErrPoolTokenNotFound
	}
	return copyPoolToken(pt), nil
}

func (m *MemoryStore) List(_ context.Context, f Filter) ([]*PoolToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*PoolToken
	for _, pt := range m.items {
		if f.AreaCode != "" && pt.AreaCode != f.AreaCode {
			continue
		}
		if f.Status != "" && pt.Status != f.Status {
			continue
		}
		if f.ProgramID != "" && pt.OriginalProgramID != f.ProgramID {
			continue
		}
		if f.After != "" && pt.ID <= f.After {
			continue
		}
		out = append(out, copyPoolToken(pt))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Claim(ctx context.Context, id string, claim Claim, entry *audit.Entry) (*PoolToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pt, ok := m.items[id]
	if !ok {
		return nil, ErrPoolTokenNotFound
	}
	if pt.Status != StatusAvailable {
		return nil, ErrAlreadyClaimed
	}
	if entry != nil && m.audit != nil {
		if err := m.audit.AppendEntry(ctx, entry); err != nil {
			return nil, err
		}
	}

	at := claim.At
	pt.Status = StatusClaimed
	pt.ClaimedBy = claim.ClientID
	pt.ClaimedAt = &at
	pt.ClaimingKiosk = claim.KioskID
	return copyPoolToken(pt), nil
}

func copyPoolToken(pt *PoolToken) *PoolToken {
	cp := *pt
	if pt.ClaimedAt != nil {
		at := *pt.ClaimedAt
		cp.ClaimedAt = &at
	}
	return &cp
}

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)
