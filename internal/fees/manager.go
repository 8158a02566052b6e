package fees

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/offerhub/escrowd/internal/circuitbreaker"
)

var ErrManagerUnavailable = errors.New("fee manager unavailable")

// Manager is the fee bookkeeping collaborator. CollectFee records that amount
// was deducted as a platform fee while settling escrowID. reference identifies
// the settling call; booking the same reference twice records one fee.
type Manager interface {
	CollectFee(ctx context.Context, escrowID, reference string, amount int64) error
}

// Record is one booked fee.
type Record struct {
	EscrowID   string    `json:"escrowId"`
	Reference  string    `json:"reference"`
	Amount     int64     `json:"amount"`
	RecordedAt time.Time `json:"recordedAt"`
}

// MemoryBook is an in-memory fee manager for development and tests.
type MemoryBook struct {
	mu      sync.RWMutex
	records []Record
	seen    map[string]struct{}
}

// NewMemoryBook creates an empty fee book.
func NewMemoryBook() *MemoryBook {
	return &MemoryBook{seen: make(map[string]struct{})}
}

func (b *MemoryBook) CollectFee(ctx context.Context, escrowID, reference string, amount int64) error {
	if amount <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.seen[reference]; ok {
		return nil
	}
	b.seen[reference] = struct{}{}
	b.records = append(b.records, Record{EscrowID: escrowID, Reference: reference, Amount: amount, RecordedAt: time.Now()})
	return nil
}

// Records returns the booked fees for escrowID, oldest first.
func (b *MemoryBook) Records(escrowID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Record
	for _, r := range b.records {
		if r.EscrowID == escrowID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out
}

// Total returns the sum of every fee booked so far.
func (b *MemoryBook) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var sum int64
	for _, r := range b.records {
		sum += r.Amount
	}
	return sum
}

// BreakerManager guards a remote fee manager with a circuit breaker so a
// failing bookkeeping service is skipped quickly instead of stalling payouts.
type BreakerManager struct {
	next    Manager
	breaker *circuitbreaker.Breaker
	key     string
}

// NewBreakerManager wraps next. threshold and cooldown configure the breaker.
func NewBreakerManager(next Manager, threshold int, cooldown time.Duration) *BreakerManager {
	return &BreakerManager{
		next:    next,
		breaker: circuitbreaker.New(threshold, cooldown),
		key:     "fee_manager",
	}
}

func (m *BreakerManager) CollectFee(ctx context.Context, escrowID, reference string, amount int64) error {
	if !m.breaker.Allow(m.key) {
		return fmt.Errorf("%w: circuit %s", ErrManagerUnavailable, m.breaker.State(m.key))
	}
	if err := m.next.CollectFee(ctx, escrowID, reference, amount); err != nil {
		m.breaker.RecordFailure(m.key)
		return err
	}
	m.breaker.RecordSuccess(m.key)
	return nil
}

// State exposes the breaker state for health reporting.
func (m *BreakerManager) State() circuitbreaker.State {
	return m.breaker.State(m.key)
}

var (
	_ Manager = (*MemoryBook)(nil)
	_ Manager = (*BreakerManager)(nil)
)
