package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Transferer for development and tests.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64 // account|asset -> balance
	entries  []Entry
	now      func() time.Time
}

// NewMemoryLedger creates an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		now:      time.Now,
	}
}

func balanceKey(account, asset string) string {
	return account + "|" + asset
}

// Deposit credits account out of thin air. It stands in for value arriving
// from outside the platform.
func (m *MemoryLedger) Deposit(account, asset string, amount int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey(account, AssetOrNative(asset))] += amount
}

// Balance returns the balance of account in asset.
func (m *MemoryLedger) Balance(account, asset string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[balanceKey(account, AssetOrNative(asset))]
}

// Entries returns the applied transfers for reference in order.
func (m *MemoryLedger) Entries(reference string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries {
		if e.Reference == reference {
			out = append(out, e)
		}
	}
	return out
}

func (m *MemoryLedger) Apply(ctx context.Context, reference string, transfers []Transfer) error {
	if err := Validate(transfers); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Stage on a scratch copy of touched balances so a failure half way
	// through the batch leaves nothing behind.
	staged := make(map[string]int64)
	get := func(k string) int64 {
		if v, ok := staged[k]; ok {
			return v
		}
		return m.balances[k]
	}
	for i, t := range transfers {
		asset := AssetOrNative(t.Asset)
		from := balanceKey(t.From, asset)
		to := balanceKey(t.To, asset)
		if get(from) < t.Amount {
			return fmt.Errorf("%w: transfer %d from %s needs %d, has %d",
				ErrInsufficientBalance, i, t.From, t.Amount, get(from))
		}
		staged[from] = get(from) - t.Amount
		staged[to] = get(to) + t.Amount
	}

	for k, v := range staged {
		m.balances[k] = v
	}
	now := m.now()
	for _, t := range transfers {
		t.Asset = AssetOrNative(t.Asset)
		m.entries = append(m.entries, Entry{Reference: reference, Transfer: t, CreatedAt: now})
	}
	return nil
}

var _ Transferer = (*MemoryLedger)(nil)
