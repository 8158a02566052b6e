// Package reconciliation compares each open escrow's vault balance against
// the value its record says is still locked. A mismatch means a value batch
// and a record write diverged, usually after a failed compensation.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/offerhub/escrowd/internal/escrow"
	"github.com/offerhub/escrowd/internal/ledger"
	"github.com/offerhub/escrowd/internal/pagination"
)

const defaultBatch = 200

// OpenLister pages through escrows that are not yet terminal.
type OpenLister interface {
	ListOpen(ctx context.Context, limit int, after *pagination.Cursor) ([]*escrow.Escrow, error)
}

// BalanceFunc reads an account balance from the ledger.
type BalanceFunc func(ctx context.Context, account, asset string) (int64, error)

// MemoryBalances adapts an in-memory ledger.
func MemoryBalances(m *ledger.MemoryLedger) BalanceFunc {
	return func(_ context.Context, account, asset string) (int64, error) {
		return m.Balance(account, asset), nil
	}
}

// Mismatch describes one escrow that failed a check.
type Mismatch struct {
	EscrowID string       `json:"escrowId"`
	State    escrow.State `json:"state"`
	Reason   string       `json:"reason"`
	Expected int64        `json:"expected"`
	Actual   int64        `json:"actual"`
}

// Report is the outcome of one full pass.
type Report struct {
	StartedAt  time.Time     `json:"startedAt"`
	Duration   time.Duration `json:"duration"`
	Checked    int           `json:"checked"`
	Expired    int           `json:"expired"`
	Mismatches []Mismatch    `json:"mismatches"`
}

// Clean reports whether the pass found nothing wrong.
func (r *Report) Clean() bool { return len(r.Mismatches) == 0 }

// Runner performs reconciliation passes and remembers the latest report.
type Runner struct {
	escrows OpenLister
	balance BalanceFunc
	logger  *slog.Logger
	now     func() time.Time
	batch   int

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner over a store and a ledger balance reader.
func NewRunner(escrows OpenLister, balance BalanceFunc, logger *slog.Logger) *Runner {
	return &Runner{
		escrows: escrows,
		balance: balance,
		logger:  logger,
		now:     time.Now,
		batch:   defaultBatch,
	}
}

// RunAll checks every open escrow. A listing or balance error aborts the
// pass; the previous report is kept.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: r.now().UTC(), Mismatches: []Mismatch{}}
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	var after *pagination.Cursor
	for {
		page, err := r.escrows.ListOpen(ctx, r.batch, after)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("list open escrows: %w", err)
		}
		for _, e := range page {
			if err := r.check(ctx, e, rep); err != nil {
				reconcileErrors.Inc()
				return nil, err
			}
		}
		if len(page) < r.batch {
			break
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	rep.Duration = time.Since(start)
	reconcileMismatches.Set(float64(len(rep.Mismatches)))
	reconcileExpired.Set(float64(rep.Expired))

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()

	for _, m := range rep.Mismatches {
		r.logger.Error("CRITICAL: escrow vault out of balance",
			"escrow_id", m.EscrowID, "state", m.State, "reason", m.Reason,
			"expected", m.Expected, "actual", m.Actual)
	}
	r.logger.Info("reconciliation complete",
		"checked", rep.Checked, "mismatches", len(rep.Mismatches),
		"expired", rep.Expired, "duration", rep.Duration)
	return rep, nil
}

func (r *Runner) check(ctx context.Context, e *escrow.Escrow, rep *Report) error {
	rep.Checked++
	if !e.Conserved() {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			EscrowID: e.ID, State: e.State, Reason: "record_not_conserved",
			Expected: e.ReleasedAmount, Actual: e.FreelancerPaid + e.FeeCollected,
		})
	}

	var want int64
	if e.State != escrow.StateCreated {
		want = e.Residual()
	}
	got, err := r.balance(ctx, ledger.VaultAccount(e.ID), e.Asset)
	if err != nil {
		return fmt.Errorf("vault balance for %s: %w", e.ID, err)
	}
	if got != want {
		rep.Mismatches = append(rep.Mismatches, Mismatch{
			EscrowID: e.ID, State: e.State, Reason: "vault_balance",
			Expected: want, Actual: got,
		})
	}

	if e.State == escrow.StateFunded && e.TimeoutElapsed(r.now()) {
		rep.Expired++
	}
	return nil
}

// Last returns the most recent successful report, or nil.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}
