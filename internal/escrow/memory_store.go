package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/offerhub/escrowd/internal/pagination"
)

// MemoryStore is an in-memory escrow store for development and tests.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escrows[e.ID]; ok {
		return fmt.Errorf("%w: id %s already exists", ErrInvalidRequest, e.ID)
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if cur.Version != e.Version-1 {
		return fmt.Errorf("%w: stored version %d, update carries %d", ErrVersionConflict, cur.Version, e.Version)
	}
	m.escrows[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) ListByPrincipal(ctx context.Context, principal string, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	return m.list(limit, after, func(e *Escrow) bool {
		return e.Client == principal || e.Freelancer == principal || e.Arbitrator == principal
	}), nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, limit int, after *pagination.Cursor) ([]*Escrow, error) {
	return m.list(limit, after, func(e *Escrow) bool { return !e.IsTerminal() }), nil
}

func (m *MemoryStore) list(limit int, after *pagination.Cursor, match func(*Escrow) bool) []*Escrow {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if !match(e) {
			continue
		}
		if after != nil && !after.Follows(e.CreatedAt, e.ID) {
			continue
		}
		result = append(result, e.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
