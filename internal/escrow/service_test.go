package escrow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/fees"
	"github.com/offerhub/escrowd/internal/ledger"
)

const (
	client     = "client:alice"
	freelancer = "freelancer:bob"
	arbitrator = "arbiter:carol"
	feeAccount = "platform:fees"
)

// fakeClock is a settable clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// failingLedger wraps a MemoryLedger and fails the first n Apply calls once
// armed.
type failingLedger struct {
	*ledger.MemoryLedger
	mu       sync.Mutex
	failures int
	calls    []string
}

func (f *failingLedger) Apply(ctx context.Context, ref string, transfers []ledger.Transfer) error {
	f.mu.Lock()
	f.calls = append(f.calls, ref)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("ledger unavailable")
	}
	return f.MemoryLedger.Apply(ctx, ref, transfers)
}

// failingFees always rejects fees.
type failingFees struct {
	calls int
}

func (f *failingFees) CollectFee(ctx context.Context, escrowID, reference string, amount int64) error {
	f.calls++
	return errors.New("fee manager down")
}

// failingStore fails Update once armed.
type failingStore struct {
	*MemoryStore
	updateErr error
}

func (f *failingStore) Update(ctx context.Context, e *Escrow) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	return f.MemoryStore.Update(ctx, e)
}

type harness struct {
	svc    *Service
	store  *MemoryStore
	ledger *ledger.MemoryLedger
	book   *fees.MemoryBook
	events *events.Recorder
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  NewMemoryStore(),
		ledger: ledger.NewMemoryLedger(),
		book:   fees.NewMemoryBook(),
		events: &events.Recorder{},
		clock:  newFakeClock(),
	}
	h.ledger.Deposit(client, "", 1_000_000)
	h.svc = NewService(h.store, h.ledger, h.book, DefaultConfig()).
		WithEvents(h.events).
		WithClock(h.clock.Now)
	return h
}

func (h *harness) create(t *testing.T, amount int64, withArbitrator bool) *Escrow {
	t.Helper()
	req := CreateRequest{Client: client, Freelancer: freelancer, Amount: amount}
	if withArbitrator {
		req.Arbitrator = arbitrator
	}
	e, err := h.svc.Create(context.Background(), client, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return e
}

func (h *harness) funded(t *testing.T, amount int64, withArbitrator bool) *Escrow {
	t.Helper()
	e := h.create(t, amount, withArbitrator)
	e, err := h.svc.Fund(context.Background(), e.ID, client, amount)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	return e
}

func (h *harness) vault(id string) int64 {
	return h.ledger.Balance(ledger.VaultAccount(id), "")
}

func assertConserved(t *testing.T, e *Escrow) {
	t.Helper()
	if !e.Conserved() {
		t.Fatalf("accounting broken: amount=%d released=%d refunded=%d paid=%d fee=%d net=%d",
			e.Amount, e.ReleasedAmount, e.RefundedAmount, e.FreelancerPaid, e.FeeCollected, e.NetAmount)
	}
}

func TestEscrow_FullReleaseWithFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.funded(t, 1000, false)
	if e.State != StateFunded || e.FundedAt == nil {
		t.Fatalf("expected funded, got %s", e.State)
	}
	if h.vault(e.ID) != 1000 {
		t.Fatalf("vault should hold 1000, has %d", h.vault(e.ID))
	}

	e, err := h.svc.ReleaseFull(ctx, e.ID, client)
	if err != nil {
		t.Fatalf("ReleaseFull failed: %v", err)
	}
	if e.State != StateReleased {
		t.Errorf("expected released, got %s", e.State)
	}
	if e.FeeCollected != 25 || e.FreelancerPaid != 975 || e.NetAmount != 975 {
		t.Errorf("fee=%d paid=%d net=%d, want 25/975/975", e.FeeCollected, e.FreelancerPaid, e.NetAmount)
	}
	if got := h.ledger.Balance(freelancer, ""); got != 975 {
		t.Errorf("freelancer balance = %d, want 975", got)
	}
	if got := h.ledger.Balance(feeAccount, ""); got != 25 {
		t.Errorf("fee account balance = %d, want 25", got)
	}
	if h.vault(e.ID) != 0 {
		t.Errorf("vault should be empty, has %d", h.vault(e.ID))
	}
	if h.book.Total() != 25 {
		t.Errorf("fee book total = %d, want 25", h.book.Total())
	}
	assertConserved(t, e)

	want := []string{events.TypeCreated, events.TypeFunded, events.TypeReleased}
	got := h.events.Types()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestEscrow_MilestoneThenSplitDispute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, 1000, true)
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "design", 400); err != nil {
		t.Fatalf("CreateMilestone 1 failed: %v", err)
	}
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "build", 600); err != nil {
		t.Fatalf("CreateMilestone 2 failed: %v", err)
	}
	if _, err := h.svc.Fund(ctx, e.ID, client, 1000); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, e.ID, client, 1); err != nil {
		t.Fatalf("ApproveMilestone failed: %v", err)
	}
	e, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1)
	if err != nil {
		t.Fatalf("ReleaseMilestone failed: %v", err)
	}
	if e.FeeCollected != 10 || e.FreelancerPaid != 390 {
		t.Fatalf("after milestone fee=%d paid=%d, want 10/390", e.FeeCollected, e.FreelancerPaid)
	}
	if e.State != StateFunded {
		t.Fatalf("escrow should stay funded, got %s", e.State)
	}

	if _, err := h.svc.RaiseDispute(ctx, e.ID, freelancer); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	e, err = h.svc.ResolveDispute(ctx, e.ID, arbitrator, DisputeSplit, 5000)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}

	if e.State != StateReleased {
		t.Errorf("expected released, got %s", e.State)
	}
	if e.DisputeResult != DisputeSplit {
		t.Errorf("dispute result = %s", e.DisputeResult)
	}
	if e.ReleasedAmount != 700 || e.RefundedAmount != 300 {
		t.Errorf("released=%d refunded=%d, want 700/300", e.ReleasedAmount, e.RefundedAmount)
	}
	if e.FeeCollected != 25 || e.FreelancerPaid != 675 {
		t.Errorf("fee=%d paid=%d, want 25/675", e.FeeCollected, e.FreelancerPaid)
	}
	if got := h.ledger.Balance(client, ""); got != 1_000_000-1000+300 {
		t.Errorf("client balance = %d", got)
	}
	if got := h.ledger.Balance(freelancer, ""); got != 390+285 {
		t.Errorf("freelancer balance = %d, want 675", got)
	}
	if h.vault(e.ID) != 0 {
		t.Errorf("vault should be empty, has %d", h.vault(e.ID))
	}
	assertConserved(t, e)

	// Terminal: nothing else moves value.
	if _, err := h.svc.Refund(ctx, e.ID, client); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("refund after resolution: got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, e.ID, arbitrator, DisputeClientWins, 0); !errors.Is(err, ErrDisputeNotActive) {
		t.Errorf("second resolution: got %v", err)
	}
}

func TestEscrow_TimeoutRefund(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	timeout := int64(86400)
	e, err := h.svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 500, TimeoutSecs: &timeout})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.svc.Fund(ctx, e.ID, client, 500); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	h.clock.Advance(time.Hour)
	if _, err := h.svc.Refund(ctx, e.ID, client); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached, got %v", err)
	}

	h.clock.Advance(86401*time.Second - time.Hour)
	// Anyone may trigger the refund once the timeout has passed.
	e, err = h.svc.Refund(ctx, e.ID, freelancer)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if e.State != StateRefunded || e.RefundedAmount != 500 {
		t.Errorf("state=%s refunded=%d", e.State, e.RefundedAmount)
	}
	if got := h.ledger.Balance(client, ""); got != 1_000_000 {
		t.Errorf("client balance = %d, want full refund", got)
	}
	assertConserved(t, e)
}

func TestRefund_UncappedHugeTimeoutNotElapsed(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxTimeout = 0
	svc := NewService(h.store, h.ledger, h.book, cfg).WithClock(h.clock.Now)
	ctx := context.Background()

	timeout := int64(10_000_000_000)
	e, err := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 500, TimeoutSecs: &timeout})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := svc.Fund(ctx, e.ID, client, 500); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}

	h.clock.Advance(time.Hour)
	if _, err := svc.Refund(ctx, e.ID, "stranger:mallory"); !errors.Is(err, ErrTimeoutNotReached) {
		t.Fatalf("expected ErrTimeoutNotReached, got %v", err)
	}
	got, _ := svc.Get(ctx, e.ID)
	if got.State != StateFunded || h.vault(e.ID) != 500 {
		t.Errorf("state=%s vault=%d, want funded/500", got.State, h.vault(e.ID))
	}
}

func TestRefund_WithoutTimeoutClientOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t, 100, false)

	if _, err := h.svc.Refund(ctx, e.ID, freelancer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("freelancer refund: got %v", err)
	}
	e, err := h.svc.Refund(ctx, e.ID, client)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if e.State != StateRefunded {
		t.Errorf("expected refunded, got %s", e.State)
	}
}

func TestRefund_AfterPartialReleaseReturnsResidual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	e := h.create(t, 1000, false)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "one", 250)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "two", 750)
	_, _ = h.svc.Fund(ctx, e.ID, client, 1000)
	_, _ = h.svc.ApproveMilestone(ctx, e.ID, client, 1)
	if _, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1); err != nil {
		t.Fatalf("ReleaseMilestone failed: %v", err)
	}

	e, err := h.svc.Refund(ctx, e.ID, client)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if e.RefundedAmount != 750 {
		t.Errorf("refunded = %d, want 750", e.RefundedAmount)
	}
	assertConserved(t, e)
}

func TestRefund_DisputedRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t, 100, true)
	_, _ = h.svc.RaiseDispute(ctx, e.ID, client)

	if _, err := h.svc.Refund(ctx, e.ID, client); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	zero := int64(0)
	huge := int64(DefaultMaxTimeout/time.Second) + 1

	tests := []struct {
		name   string
		caller string
		req    CreateRequest
		want   error
	}{
		{"caller is not client", freelancer, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1}, ErrUnauthorized},
		{"zero amount", client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 0}, ErrInvalidAmount},
		{"negative amount", client, CreateRequest{Client: client, Freelancer: freelancer, Amount: -5}, ErrInvalidAmount},
		{"self dealing", client, CreateRequest{Client: client, Freelancer: client, Amount: 1}, ErrInvalidRequest},
		{"arbitrator is a party", client, CreateRequest{Client: client, Freelancer: freelancer, Arbitrator: freelancer, Amount: 1}, ErrInvalidRequest},
		{"missing freelancer", client, CreateRequest{Client: client, Amount: 1}, ErrInvalidRequest},
		{"zero timeout", client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1, TimeoutSecs: &zero}, ErrInvalidRequest},
		{"timeout above cap", client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1, TimeoutSecs: &huge}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.svc.Create(ctx, tt.caller, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCreate_NonceIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := CreateRequest{Client: client, Freelancer: freelancer, Amount: 100, Nonce: "order-7"}

	first, err := h.svc.Create(ctx, client, req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	second, err := h.svc.Create(ctx, client, req)
	if err != nil {
		t.Fatalf("repeat Create failed: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}

	req.Amount = 200
	if _, err := h.svc.Create(ctx, client, req); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("reused nonce with new amount: got %v", err)
	}
}

func TestCreate_DefaultTimeout(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 48 * time.Hour
	svc := NewService(h.store, h.ledger, h.book, cfg)

	e, err := svc.Create(context.Background(), client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 10})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if e.TimeoutSecs == nil || *e.TimeoutSecs != 172800 {
		t.Errorf("timeout = %v, want 172800", e.TimeoutSecs)
	}
}

func TestFund_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)

	if _, err := h.svc.Fund(ctx, e.ID, freelancer, 100); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("non-client fund: got %v", err)
	}
	if _, err := h.svc.Fund(ctx, e.ID, client, 99); !errors.Is(err, ErrInsufficientValue) {
		t.Errorf("short value: got %v", err)
	}
	if _, err := h.svc.Fund(ctx, "esc_missing", client, 100); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("missing escrow: got %v", err)
	}
	if _, err := h.svc.Fund(ctx, e.ID, client, 100); err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if _, err := h.svc.Fund(ctx, e.ID, client, 100); !errors.Is(err, ErrAlreadyFunded) {
		t.Errorf("double fund: got %v", err)
	}
}

func TestFund_MilestonesMustCoverAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "half", 50)

	if _, err := h.svc.Fund(ctx, e.ID, client, 100); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("expected ErrAmountMismatch, got %v", err)
	}
	if h.vault(e.ID) != 0 {
		t.Errorf("nothing should have moved")
	}
}

func TestFund_LedgerFailureLeavesRecord(t *testing.T) {
	h := newHarness(t)
	fl := &failingLedger{MemoryLedger: h.ledger, failures: 1}
	svc := NewService(h.store, fl, h.book, DefaultConfig())
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 100})
	if _, err := svc.Fund(ctx, e.ID, client, 100); err == nil {
		t.Fatal("expected ledger error")
	}
	got, _ := svc.Get(ctx, e.ID)
	if got.State != StateCreated || got.Version != e.Version {
		t.Errorf("record changed: state=%s version=%d", got.State, got.Version)
	}
}

func TestMilestones_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 1000, true)

	if _, err := h.svc.CreateMilestone(ctx, e.ID, freelancer, "x", 10); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("freelancer creating milestone: got %v", err)
	}
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "   ", 10); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("blank description: got %v", err)
	}
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "x", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "x", 1001); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("over amount: got %v", err)
	}

	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "a", 500)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "b", 500)
	_, _ = h.svc.Fund(ctx, e.ID, client, 1000)

	if _, err := h.svc.ApproveMilestone(ctx, e.ID, freelancer, 1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("freelancer approving: got %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, e.ID, client, 9); !errors.Is(err, ErrMilestoneNotFound) {
		t.Errorf("unknown milestone: got %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1); !errors.Is(err, ErrMilestoneNotApproved) {
		t.Errorf("release before approval: got %v", err)
	}
	// The arbitrator may approve too.
	if _, err := h.svc.ApproveMilestone(ctx, e.ID, arbitrator, 1); err != nil {
		t.Fatalf("arbitrator approval failed: %v", err)
	}
	if _, err := h.svc.ApproveMilestone(ctx, e.ID, client, 1); !errors.Is(err, ErrMilestoneAlreadyApproved) {
		t.Errorf("double approval: got %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1); err != nil {
		t.Fatalf("ReleaseMilestone failed: %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1); !errors.Is(err, ErrMilestoneAlreadyReleased) {
		t.Errorf("double release: got %v", err)
	}
	if _, err := h.svc.CreateMilestone(ctx, e.ID, client, "late", 1); !errors.Is(err, ErrMilestoneAlreadyReleased) {
		t.Errorf("milestone after release: got %v", err)
	}

	_, _ = h.svc.ApproveMilestone(ctx, e.ID, client, 2)
	e, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 2)
	if err != nil {
		t.Fatalf("final ReleaseMilestone failed: %v", err)
	}
	if e.State != StateReleased || e.ReleasedAt == nil {
		t.Errorf("releasing every milestone should settle, got %s", e.State)
	}
	if e.FeeCollected != 24 {
		t.Errorf("fee = %d, want 12+12", e.FeeCollected)
	}
	assertConserved(t, e)
}

func TestMilestones_MaxCount(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.MaxMilestones = 2
	svc := NewService(h.store, h.ledger, h.book, cfg)
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 100})
	_, _ = svc.CreateMilestone(ctx, e.ID, client, "a", 10)
	_, _ = svc.CreateMilestone(ctx, e.ID, client, "b", 10)
	if _, err := svc.CreateMilestone(ctx, e.ID, client, "c", 10); !errors.Is(err, ErrMaxMilestonesExceeded) {
		t.Errorf("expected ErrMaxMilestonesExceeded, got %v", err)
	}
}

func TestReleaseFull_WithMilestonesNeedsApproval(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "a", 40)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "b", 60)
	_, _ = h.svc.Fund(ctx, e.ID, client, 100)
	_, _ = h.svc.ApproveMilestone(ctx, e.ID, client, 1)

	if _, err := h.svc.ReleaseFull(ctx, e.ID, client); !errors.Is(err, ErrMilestoneNotApproved) {
		t.Fatalf("expected ErrMilestoneNotApproved, got %v", err)
	}
	if h.vault(e.ID) != 100 {
		t.Errorf("nothing should have moved, vault=%d", h.vault(e.ID))
	}

	_, _ = h.svc.ApproveMilestone(ctx, e.ID, client, 2)
	e, err := h.svc.ReleaseFull(ctx, e.ID, client)
	if err != nil {
		t.Fatalf("ReleaseFull failed: %v", err)
	}
	for _, m := range e.Milestones {
		if !m.Released {
			t.Errorf("milestone %d not released", m.ID)
		}
	}
	if e.History.Len() != 6 {
		t.Errorf("history entries = %d, want 6", e.History.Len())
	}
	assertConserved(t, e)
}

func TestReleaseFull_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)

	if _, err := h.svc.ReleaseFull(ctx, e.ID, client); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release unfunded: got %v", err)
	}
	_, _ = h.svc.Fund(ctx, e.ID, client, 100)
	if _, err := h.svc.ReleaseFull(ctx, e.ID, freelancer); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("freelancer release: got %v", err)
	}
	_, _ = h.svc.ReleaseFull(ctx, e.ID, client)
	if _, err := h.svc.ReleaseFull(ctx, e.ID, client); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double release: got %v", err)
	}
}

func TestDispute_Rules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noArb := h.funded(t, 100, false)
	if _, err := h.svc.RaiseDispute(ctx, noArb.ID, client); !errors.Is(err, ErrArbitratorRequired) {
		t.Errorf("dispute without arbitrator: got %v", err)
	}
	if _, err := h.svc.SetArbitrator(ctx, noArb.ID, client, arbitrator); err != nil {
		t.Fatalf("SetArbitrator failed: %v", err)
	}
	if _, err := h.svc.RaiseDispute(ctx, noArb.ID, arbitrator); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("arbitrator raising dispute: got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, noArb.ID, arbitrator, DisputeClientWins, 0); !errors.Is(err, ErrDisputeNotActive) {
		t.Errorf("resolve before dispute: got %v", err)
	}
	if _, err := h.svc.RaiseDispute(ctx, noArb.ID, freelancer); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	if _, err := h.svc.RaiseDispute(ctx, noArb.ID, client); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second dispute: got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, noArb.ID, client, DisputeClientWins, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("client resolving: got %v", err)
	}
	if _, err := h.svc.ResolveDispute(ctx, noArb.ID, arbitrator, DisputeNone, 0); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("none result: got %v", err)
	}
	if _, err := h.svc.SetArbitrator(ctx, noArb.ID, client, "arbiter:dave"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("swapping arbitrator mid dispute: got %v", err)
	}

	e, err := h.svc.ResolveDispute(ctx, noArb.ID, arbitrator, DisputeClientWins, 0)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if e.State != StateRefunded || e.RefundedAmount != 100 || e.FeeCollected != 0 {
		t.Errorf("state=%s refunded=%d fee=%d", e.State, e.RefundedAmount, e.FeeCollected)
	}
	assertConserved(t, e)
}

func TestDispute_FreelancerWinsUsesDisputeFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t, 1000, true)
	_, _ = h.svc.RaiseDispute(ctx, e.ID, client)

	e, err := h.svc.ResolveDispute(ctx, e.ID, arbitrator, DisputeFreelancerWins, 0)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if e.FeeCollected != 50 || e.FreelancerPaid != 950 || e.State != StateReleased {
		t.Errorf("fee=%d paid=%d state=%s", e.FeeCollected, e.FreelancerPaid, e.State)
	}
}

func TestDispute_ApprovalAllowedWhileDisputed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, true)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "a", 100)
	_, _ = h.svc.Fund(ctx, e.ID, client, 100)
	_, _ = h.svc.RaiseDispute(ctx, e.ID, client)

	if _, err := h.svc.ApproveMilestone(ctx, e.ID, arbitrator, 1); err != nil {
		t.Errorf("approval during dispute: %v", err)
	}
	if _, err := h.svc.ReleaseMilestone(ctx, e.ID, client, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("release during dispute: got %v", err)
	}
}

func TestFeePolicy_AdvisoryKeepsPayout(t *testing.T) {
	h := newHarness(t)
	ff := &failingFees{}
	svc := NewService(h.store, h.ledger, ff, DefaultConfig()).WithEvents(h.events)
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1000})
	_, _ = svc.Fund(ctx, e.ID, client, 1000)
	e, err := svc.ReleaseFull(ctx, e.ID, client)
	if err != nil {
		t.Fatalf("advisory policy should not fail the call: %v", err)
	}
	if ff.calls != 1 {
		t.Errorf("fee manager calls = %d, want 1", ff.calls)
	}
	if h.ledger.Balance(freelancer, "") != 975 {
		t.Errorf("payout missing")
	}
	evs := h.events.Events()
	last := evs[len(evs)-1]
	if last.Type != events.TypeReleased || last.Attributes["fee_recorded"] != "false" {
		t.Errorf("released event should flag the fee: %+v", last)
	}
	assertConserved(t, e)
}

func TestFeePolicy_FatalRevertsPayout(t *testing.T) {
	h := newHarness(t)
	cfg := DefaultConfig()
	cfg.FeePolicy = FeePolicyFatal
	svc := NewService(h.store, h.ledger, &failingFees{}, cfg)
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1000})
	_, _ = svc.Fund(ctx, e.ID, client, 1000)
	if _, err := svc.ReleaseFull(ctx, e.ID, client); !errors.Is(err, ErrFeeRecordingFailed) {
		t.Fatalf("expected ErrFeeRecordingFailed, got %v", err)
	}
	if h.vault(e.ID) != 1000 || h.ledger.Balance(freelancer, "") != 0 {
		t.Errorf("payout not reversed: vault=%d freelancer=%d", h.vault(e.ID), h.ledger.Balance(freelancer, ""))
	}
	got, _ := svc.Get(ctx, e.ID)
	if got.State != StateFunded || got.ReleasedAmount != 0 {
		t.Errorf("record changed: state=%s released=%d", got.State, got.ReleasedAmount)
	}
}

func TestCommit_PersistFailureCompensates(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{MemoryStore: h.store}
	svc := NewService(fs, h.ledger, h.book, DefaultConfig())
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1000})
	_, _ = svc.Fund(ctx, e.ID, client, 1000)

	fs.updateErr = errors.New("disk full")
	if _, err := svc.ReleaseFull(ctx, e.ID, client); err == nil {
		t.Fatal("expected persist error")
	}
	if h.vault(e.ID) != 1000 {
		t.Errorf("vault = %d, want 1000 after compensation", h.vault(e.ID))
	}
	if h.ledger.Balance(freelancer, "") != 0 || h.ledger.Balance(feeAccount, "") != 0 {
		t.Errorf("payout should be reversed")
	}

	fs.updateErr = nil
	if _, err := svc.ReleaseFull(ctx, e.ID, client); err != nil {
		t.Fatalf("retry after recovery failed: %v", err)
	}
}

func TestCommit_PersistFailureBooksFeeOnce(t *testing.T) {
	for _, policy := range []FeePolicy{FeePolicyAdvisory, FeePolicyFatal} {
		t.Run(string(policy), func(t *testing.T) {
			h := newHarness(t)
			fs := &failingStore{MemoryStore: h.store}
			cfg := DefaultConfig()
			cfg.FeePolicy = policy
			svc := NewService(fs, h.ledger, h.book, cfg)
			ctx := context.Background()

			e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 1000})
			_, _ = svc.Fund(ctx, e.ID, client, 1000)

			fs.updateErr = errors.New("disk full")
			if _, err := svc.ReleaseFull(ctx, e.ID, client); err == nil {
				t.Fatal("expected persist error")
			}
			if policy == FeePolicyAdvisory && h.book.Total() != 0 {
				t.Errorf("fee booked for a call that failed: %d", h.book.Total())
			}

			fs.updateErr = nil
			e, err := svc.ReleaseFull(ctx, e.ID, client)
			if err != nil {
				t.Fatalf("retry after recovery failed: %v", err)
			}
			if h.book.Total() != e.FeeCollected {
				t.Errorf("fee book total = %d, want %d", h.book.Total(), e.FeeCollected)
			}
			if got := h.ledger.Balance(feeAccount, ""); got != e.FeeCollected {
				t.Errorf("fee account = %d, want %d", got, e.FeeCollected)
			}
		})
	}
}

func TestCommit_CompensationRetriesOnce(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{MemoryStore: h.store}
	// Apply calls: 0 fund, 1 release, 2 first reversal (fails), 3 retry.
	seq := &sequenceLedger{next: h.ledger, failAt: map[int]bool{2: true}}
	svc := NewService(fs, seq, h.book, DefaultConfig())
	ctx := context.Background()

	e, _ := svc.Create(ctx, client, CreateRequest{Client: client, Freelancer: freelancer, Amount: 100})
	_, _ = svc.Fund(ctx, e.ID, client, 100)

	fs.updateErr = errors.New("disk full")
	if _, err := svc.ReleaseFull(ctx, e.ID, client); err == nil {
		t.Fatal("expected persist error")
	}
	if seq.n != 4 {
		t.Errorf("ledger calls = %d, want 4", seq.n)
	}
	if h.vault(e.ID) != 100 {
		t.Errorf("vault = %d, want 100 after retried compensation", h.vault(e.ID))
	}
}

// sequenceLedger fails the Apply calls whose zero-based index is in failAt.
type sequenceLedger struct {
	next   ledger.Transferer
	n      int
	failAt map[int]bool
}

func (s *sequenceLedger) Apply(ctx context.Context, ref string, transfers []ledger.Transfer) error {
	i := s.n
	s.n++
	if s.failAt[i] {
		return errors.New("transient ledger failure")
	}
	return s.next.Apply(ctx, ref, transfers)
}

func TestService_StaleVersionRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t, 100, false)

	stale := e.Clone()
	stale.Version = e.Version // same version again means the stored one moved on
	if err := h.store.Update(ctx, stale); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("expected ErrVersionConflict, got %v", err)
	}
}

func TestService_ConcurrentReleasesPayOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.funded(t, 1000, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.ReleaseFull(ctx, e.ID, client); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("releases succeeded = %d, want 1", succeeded)
	}
	if got := h.ledger.Balance(freelancer, ""); got != 975 {
		t.Errorf("freelancer balance = %d, want 975", got)
	}
}

func TestService_TimestampsNeverGoBackwards(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)

	h.clock.Advance(-time.Hour)
	e2, err := h.svc.Fund(ctx, e.ID, client, 100)
	if err != nil {
		t.Fatalf("Fund failed: %v", err)
	}
	if e2.UpdatedAt.Before(e.UpdatedAt) || e2.FundedAt.Before(e.CreatedAt) {
		t.Errorf("timestamps went backwards: created=%s funded=%s", e.CreatedAt, e2.FundedAt)
	}
}

func TestListByPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.create(t, 10, true)
	h.clock.Advance(time.Second)
	second := h.create(t, 20, false)

	page, err := h.svc.ListByPrincipal(ctx, freelancer, 0, "")
	if err != nil {
		t.Fatalf("ListByPrincipal failed: %v", err)
	}
	list := page.Escrows
	if len(list) != 2 || list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("unexpected order: %v", list)
	}
	if page.NextCursor != "" {
		t.Errorf("single page should have no cursor, got %q", page.NextCursor)
	}

	page, _ = h.svc.ListByPrincipal(ctx, arbitrator, 0, "")
	if len(page.Escrows) != 1 || page.Escrows[0].ID != first.ID {
		t.Errorf("arbitrator listing: %v", page.Escrows)
	}
	page, _ = h.svc.ListByPrincipal(ctx, "nobody", 0, "")
	if len(page.Escrows) != 0 {
		t.Errorf("expected empty list, got %d", len(page.Escrows))
	}
}

func TestListByPrincipal_Pages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var want []string
	for i := 0; i < 5; i++ {
		want = append([]string{h.create(t, int64(10+i), false).ID}, want...)
		h.clock.Advance(time.Second)
	}

	var got []string
	cursor := ""
	for pages := 0; ; pages++ {
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
		page, err := h.svc.ListByPrincipal(ctx, client, 2, cursor)
		if err != nil {
			t.Fatalf("page %d: %v", pages, err)
		}
		for _, e := range page.Escrows {
			got = append(got, e.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("paged ids = %v, want %v", got, want)
	}

	if _, err := h.svc.ListByPrincipal(ctx, client, 2, "%%%"); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("bad cursor: got %v", err)
	}
}

func TestListByPrincipal_LimitCapped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < MaxPageSize+5; i++ {
		h.create(t, 10, false)
		h.clock.Advance(time.Second)
	}

	page, err := h.svc.ListByPrincipal(ctx, client, 500, "")
	if err != nil {
		t.Fatalf("ListByPrincipal: %v", err)
	}
	if len(page.Escrows) != MaxPageSize || page.NextCursor == "" {
		t.Errorf("got %d escrows (next=%q), want %d and a cursor", len(page.Escrows), page.NextCursor, MaxPageSize)
	}

	page, err = h.svc.ListByPrincipal(ctx, client, 0, "")
	if err != nil {
		t.Fatalf("ListByPrincipal: %v", err)
	}
	if len(page.Escrows) != DefaultPageSize {
		t.Errorf("default page = %d, want %d", len(page.Escrows), DefaultPageSize)
	}
}

func TestExportAndSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	e := h.create(t, 100, false)
	_, _ = h.svc.CreateMilestone(ctx, e.ID, client, "only", 100)

	exp, err := h.svc.Export(ctx, e.ID)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if exp.ContractID != e.ID || exp.ExportVersion != ExportVersion {
		t.Errorf("export header: %+v", exp)
	}
	if len(exp.Milestones) != 1 || len(exp.MilestoneHistory) != 1 {
		t.Errorf("milestones=%d history=%d", len(exp.Milestones), len(exp.MilestoneHistory))
	}

	sum, err := h.svc.Summary(ctx, e.ID)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if sum.Status != StateCreated || sum.MilestoneCount != 1 || sum.Amount != 100 {
		t.Errorf("summary: %+v", sum)
	}

	if _, err := h.svc.Export(ctx, "esc_missing"); !errors.Is(err, ErrEscrowNotFound) {
		t.Errorf("missing export: got %v", err)
	}
}
