package escrow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/fees"
	"github.com/offerhub/escrowd/internal/idgen"
	"github.com/offerhub/escrowd/internal/ledger"
	"github.com/offerhub/escrowd/internal/logging"
	"github.com/offerhub/escrowd/internal/metrics"
	"github.com/offerhub/escrowd/internal/pagination"
	"github.com/offerhub/escrowd/internal/retry"
	"github.com/offerhub/escrowd/internal/syncutil"
	"github.com/offerhub/escrowd/internal/traces"
)

// FeePolicy decides what happens when the fee manager rejects a fee that has
// already been moved to the fee account.
type FeePolicy string

const (
	// FeePolicyAdvisory keeps the payout and flags the event.
	FeePolicyAdvisory FeePolicy = "advisory"
	// FeePolicyFatal reverses the whole call.
	FeePolicyFatal FeePolicy = "fatal"
)

// Config carries the platform settings captured into each new escrow.
type Config struct {
	FeeBps         uint32
	DisputeFeeBps  uint32
	FeeAccount     string
	FeeManagerID   string
	FeePolicy      FeePolicy
	MaxMilestones  int
	MinAmount      int64
	MaxAmount      int64
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration // 0 disables the cap
}

// DefaultMaxTimeout bounds timeoutSecs at creation.
const DefaultMaxTimeout = 10 * 365 * 24 * time.Hour

// DefaultConfig mirrors the platform defaults: 2.5% on payouts, 5% on
// arbitrated payouts, 20 milestones.
func DefaultConfig() Config {
	return Config{
		FeeBps:        fees.DefaultBps,
		DisputeFeeBps: fees.DefaultDisputeBps,
		FeeAccount:    "platform:fees",
		FeeManagerID:  "platform",
		FeePolicy:     FeePolicyAdvisory,
		MaxMilestones: 20,
		MinAmount:     1,
		MaxAmount:     1_000_000_000_000_000,
		MaxTimeout:    DefaultMaxTimeout,
	}
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	Client      string `json:"client" binding:"required"`
	Freelancer  string `json:"freelancer" binding:"required"`
	Arbitrator  string `json:"arbitrator,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Amount      int64  `json:"amount" binding:"required"`
	TimeoutSecs *int64 `json:"timeoutSecs,omitempty"`
	// Nonce makes creation idempotent: the same client, freelancer and nonce
	// always map to the same escrow id.
	Nonce string `json:"nonce,omitempty"`
}

// Service orchestrates every escrow entrypoint.
type Service struct {
	store  Store
	ledger ledger.Transferer
	fees   fees.Manager
	events events.Emitter
	cfg    Config
	now    func() time.Time
	locks  syncutil.KeyedMutex // calls on one escrow are serialised
}

// NewService creates a new escrow service.
func NewService(store Store, l ledger.Transferer, fm fees.Manager, cfg Config) *Service {
	return &Service{
		store:  store,
		ledger: l,
		fees:   fm,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithEvents adds an event sink.
func (s *Service) WithEvents(e events.Emitter) *Service {
	s.events = e
	return s
}

// WithClock replaces the wall clock. Used by tests to drive timeouts.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the service configuration.
func (s *Service) Config() Config { return s.cfg }

// effect collects what one call does beyond mutating the record.
type effect struct {
	transfers []ledger.Transfer
	fee       int64
	events    []events.Event
}

func (f *effect) move(from, to, asset string, amount int64) {
	f.transfers = append(f.transfers, ledger.Transfer{From: from, To: to, Asset: asset, Amount: amount})
}

// payout sends a fee-adjusted amount out of the vault.
func (f *effect) payout(e *Escrow, feeAccount string, b fees.Breakdown) {
	vault := ledger.VaultAccount(e.ID)
	f.move(vault, e.Freelancer, e.Asset, b.Net)
	f.move(vault, feeAccount, e.Asset, b.Fee)
	f.fee += b.Fee
	e.ReleasedAmount += b.Gross
	e.FreelancerPaid += b.Net
	e.FeeCollected += b.Fee
	e.NetAmount = e.Amount - e.FeeCollected
}

func (f *effect) emit(typ string, e *Escrow, amount, fee int64, attrs map[string]string) {
	a := map[string]string{
		"client":     e.Client,
		"freelancer": e.Freelancer,
		"state":      string(e.State),
	}
	if e.Arbitrator != "" {
		a["arbitrator"] = e.Arbitrator
	}
	for k, v := range attrs {
		a[k] = v
	}
	f.events = append(f.events, events.Event{
		Type:       typ,
		EscrowID:   e.ID,
		Amount:     amount,
		Fee:        fee,
		Timestamp:  e.UpdatedAt,
		Attributes: a,
	})
}

// stamp returns the call timestamp, never earlier than the record's last
// change so timestamps stay ordered even if the wall clock steps back.
func (s *Service) stamp(e *Escrow) time.Time {
	now := s.now().UTC()
	if now.Before(e.UpdatedAt) {
		return e.UpdatedAt
	}
	return now
}

// mutation is the body of an entrypoint: it validates against and mutates the
// working copy and reports the side effects to apply.
type mutation func(e *Escrow, now time.Time, fx *effect) error

// mutate runs one entrypoint under the escrow lock: load, validate and
// mutate a copy, move value, book fees, persist, then publish events.
func (s *Service) mutate(ctx context.Context, op, id, caller string, fn mutation) (_ *Escrow, err error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow."+op, traces.EscrowID(id), traces.Principal(caller))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Code(err))
		}
		span.End()
		metrics.ObserveOperation(op, Code(err), started)
	}()

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	w := stored.Clone()
	now := s.stamp(w)
	w.UpdatedAt = now
	fx := &effect{}
	if err := fn(w, now, fx); err != nil {
		return nil, err
	}
	w.Version = stored.Version + 1

	if err := s.commit(ctx, op, w, fx, func() error { return s.store.Update(ctx, w) }); err != nil {
		return nil, err
	}
	if w.IsTerminal() && !stored.IsTerminal() {
		metrics.EscrowDuration.WithLabelValues(string(w.State)).Observe(now.Sub(w.CreatedAt).Seconds())
	}
	return w, nil
}

// commit applies the value batch, books the fee and persists the record. A
// failure after value has moved reverses the batch before returning.
//
// Under the fatal policy the fee is booked before the record is persisted so a
// rejected fee can still abort the call; the booking is keyed by the call
// reference, so a retry of a call whose persist failed books nothing new.
// Under the advisory policy the fee is booked only once the record is stored.
func (s *Service) commit(ctx context.Context, op string, e *Escrow, fx *effect, persist func() error) error {
	transfers := ledger.Compact(fx.transfers)
	ref := e.ID + ":" + strconv.FormatInt(e.Version, 10) + ":" + op

	if len(transfers) > 0 {
		if err := s.ledger.Apply(ctx, ref, transfers); err != nil {
			return fmt.Errorf("failed to move escrow value: %w", err)
		}
	}

	bookFee := fx.fee > 0 && s.fees != nil
	if bookFee && s.cfg.FeePolicy == FeePolicyFatal {
		if err := s.fees.CollectFee(ctx, e.ID, ref, fx.fee); err != nil {
			metrics.FeeRecordingFailuresTotal.WithLabelValues(string(s.cfg.FeePolicy)).Inc()
			s.compensate(ctx, ref, transfers)
			return fmt.Errorf("%w: %v", ErrFeeRecordingFailed, err)
		}
	}

	if err := persist(); err != nil {
		s.compensate(ctx, ref, transfers)
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("failed to persist escrow: %w", err)
	}

	feeRecorded := true
	if bookFee && s.cfg.FeePolicy != FeePolicyFatal {
		if err := s.fees.CollectFee(ctx, e.ID, ref, fx.fee); err != nil {
			metrics.FeeRecordingFailuresTotal.WithLabelValues(string(s.cfg.FeePolicy)).Inc()
			feeRecorded = false
			logging.L(ctx).Warn("fee recording failed, payout kept",
				"escrow_id", e.ID, "fee", fx.fee, "reference", ref, "error", err)
		}
	}

	for _, t := range transfers {
		switch t.To {
		case e.Freelancer:
			metrics.AddPayout("freelancer", t.Amount)
		case e.Client:
			metrics.AddPayout("client", t.Amount)
		case s.cfg.FeeAccount:
			metrics.AddPayout("fee", t.Amount)
		}
	}

	for _, ev := range fx.events {
		if !feeRecorded && ev.Fee > 0 {
			ev.Attributes["fee_recorded"] = "false"
		}
		s.publish(ctx, ev)
	}
	return nil
}

// compensate reverses a batch whose call could not complete. It retries once
// and ignores caller cancellation; if the reversal still fails the vault and
// the record disagree and an operator has to reconcile by hand.
func (s *Service) compensate(ctx context.Context, ref string, transfers []ledger.Transfer) {
	if len(transfers) == 0 {
		return
	}
	rev := ledger.Reverse(transfers)
	err := retry.Once.Do(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return s.ledger.Apply(ctx, ref+":compensate", rev)
	})
	if err != nil {
		metrics.CompensationFailuresTotal.Inc()
		logging.L(ctx).Error("CRITICAL: failed to reverse escrow value batch",
			"reference", ref, "transfers", len(rev), "error", err)
	}
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Emit(ctx, ev); err != nil {
		metrics.EventPublishFailuresTotal.Inc()
		logging.L(ctx).Warn("failed to publish escrow event", "type", ev.Type, "escrow_id", ev.EscrowID, "error", err)
	}
}

// Create opens a new escrow in the created state.
func (s *Service) Create(ctx context.Context, caller string, req CreateRequest) (_ *Escrow, err error) {
	started := time.Now()
	ctx, span := traces.StartSpan(ctx, "escrow.create", traces.Principal(caller), traces.Amount(req.Amount))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, Code(err))
		}
		span.End()
		metrics.ObserveOperation("create", Code(err), started)
	}()

	req.Client = strings.TrimSpace(req.Client)
	req.Freelancer = strings.TrimSpace(req.Freelancer)
	req.Arbitrator = strings.TrimSpace(req.Arbitrator)

	if caller != req.Client {
		return nil, ErrUnauthorized
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	id := idgen.WithPrefix(idgen.EscrowPrefix)
	if req.Nonce != "" {
		id = idgen.Deterministic(idgen.EscrowPrefix, req.Client, req.Freelancer, req.Nonce)
	}

	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if req.Nonce != "" {
		existing, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			if existing.Amount != req.Amount || existing.Asset != req.Asset {
				return nil, fmt.Errorf("%w: nonce already used for a different escrow", ErrInvalidRequest)
			}
			return existing, nil
		case !errors.Is(err, ErrEscrowNotFound):
			return nil, err
		}
	}

	now := s.now().UTC()
	e := &Escrow{
		ID:            id,
		Client:        req.Client,
		Freelancer:    req.Freelancer,
		Arbitrator:    req.Arbitrator,
		Asset:         req.Asset,
		Amount:        req.Amount,
		State:         StateCreated,
		DisputeResult: DisputeNone,
		TimeoutSecs:   req.TimeoutSecs,
		FeeManager:    s.cfg.FeeManagerID,
		FeeBps:        s.cfg.FeeBps,
		DisputeFeeBps: s.cfg.DisputeFeeBps,
		NetAmount:     req.Amount,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if e.TimeoutSecs == nil && s.cfg.DefaultTimeout > 0 {
		secs := int64(s.cfg.DefaultTimeout / time.Second)
		e.TimeoutSecs = &secs
	}

	fx := &effect{}
	fx.emit(events.TypeCreated, e, e.Amount, 0, nil)
	if err := s.commit(ctx, "create", e, fx, func() error { return s.store.Create(ctx, e) }); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) validateCreate(req CreateRequest) error {
	switch {
	case req.Client == "" || req.Freelancer == "":
		return fmt.Errorf("%w: client and freelancer are required", ErrInvalidRequest)
	case req.Client == req.Freelancer:
		return fmt.Errorf("%w: client and freelancer must differ", ErrInvalidRequest)
	case req.Arbitrator != "" && (req.Arbitrator == req.Client || req.Arbitrator == req.Freelancer):
		return fmt.Errorf("%w: arbitrator must not be a party", ErrInvalidRequest)
	case req.Amount < s.cfg.MinAmount || req.Amount > s.cfg.MaxAmount:
		return fmt.Errorf("%w: amount %d outside [%d, %d]", ErrInvalidAmount, req.Amount, s.cfg.MinAmount, s.cfg.MaxAmount)
	case req.TimeoutSecs != nil && *req.TimeoutSecs <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	case req.TimeoutSecs != nil && s.cfg.MaxTimeout > 0 && *req.TimeoutSecs > int64(s.cfg.MaxTimeout/time.Second):
		return fmt.Errorf("%w: timeout exceeds %d seconds", ErrInvalidRequest, int64(s.cfg.MaxTimeout/time.Second))
	}
	return nil
}

// Fund moves the full amount from the client into the escrow vault.
func (s *Service) Fund(ctx context.Context, id, caller string, value int64) (*Escrow, error) {
	return s.mutate(ctx, "fund", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if caller != e.Client {
			return ErrUnauthorized
		}
		if e.State == StateFunded {
			return ErrAlreadyFunded
		}
		if err := checkTransition(e.State, StateFunded); err != nil {
			return err
		}
		if value != e.Amount {
			return fmt.Errorf("%w: got %d, escrow holds %d", ErrInsufficientValue, value, e.Amount)
		}
		if len(e.Milestones) > 0 && e.MilestoneTotal() != e.Amount {
			return fmt.Errorf("%w: milestones total %d, escrow amount %d", ErrAmountMismatch, e.MilestoneTotal(), e.Amount)
		}

		fx.move(e.Client, ledger.VaultAccount(e.ID), e.Asset, e.Amount)
		e.State = StateFunded
		e.FundedAt = &now
		fx.emit(events.TypeFunded, e, e.Amount, 0, nil)
		return nil
	})
}

// SetArbitrator names the arbitrator before any dispute is raised.
func (s *Service) SetArbitrator(ctx context.Context, id, caller, arbitrator string) (*Escrow, error) {
	arbitrator = strings.TrimSpace(arbitrator)
	return s.mutate(ctx, "set_arbitrator", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if caller != e.Client {
			return ErrUnauthorized
		}
		if e.State != StateCreated && e.State != StateFunded {
			return fmt.Errorf("%w: arbitrator is fixed in state %s", ErrInvalidTransition, e.State)
		}
		if arbitrator == "" || arbitrator == e.Client || arbitrator == e.Freelancer {
			return fmt.Errorf("%w: arbitrator must be set and not a party", ErrInvalidRequest)
		}
		e.Arbitrator = arbitrator
		fx.emit(events.TypeArbitratorSet, e, 0, 0, nil)
		return nil
	})
}

// ReleaseFull settles the whole escrow in the freelancer's favour.
func (s *Service) ReleaseFull(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, "release_full", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if caller != e.Client {
			return ErrUnauthorized
		}
		if e.State != StateFunded {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, StateReleased)
		}

		if len(e.Milestones) == 0 {
			b, err := fees.Compute(e.Residual(), e.FeeBps)
			if err != nil {
				return err
			}
			fx.payout(e, s.cfg.FeeAccount, b)
		} else {
			if err := s.releasePending(e, now, fx); err != nil {
				return err
			}
		}

		e.State = StateReleased
		e.ReleasedAt = &now
		fx.emit(events.TypeReleased, e, e.ReleasedAmount, e.FeeCollected, nil)
		return nil
	})
}

// Refund returns the residual to the client.
func (s *Service) Refund(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, "refund", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if e.TimeoutSecs == nil && caller != e.Client {
			return ErrUnauthorized
		}
		if e.State != StateFunded {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.State, StateRefunded)
		}
		if e.TimeoutSecs != nil && !e.TimeoutElapsed(now) {
			return fmt.Errorf("%w: refundable after %s", ErrTimeoutNotReached,
				e.RefundableAt().Format(time.RFC3339))
		}
		residual := e.Residual()
		if residual <= 0 {
			return ErrNoResidualToSettle
		}

		fx.move(ledger.VaultAccount(e.ID), e.Client, e.Asset, residual)
		e.RefundedAmount += residual
		e.State = StateRefunded
		attrs := map[string]string{"refunded_by": caller}
		fx.emit(events.TypeRefunded, e, residual, 0, attrs)
		return nil
	})
}

// RaiseDispute freezes the escrow until the arbitrator decides.
func (s *Service) RaiseDispute(ctx context.Context, id, caller string) (*Escrow, error) {
	return s.mutate(ctx, "raise_dispute", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if caller != e.Client && caller != e.Freelancer {
			return ErrUnauthorized
		}
		if err := checkTransition(e.State, StateDisputed); err != nil {
			return err
		}
		if e.Arbitrator == "" {
			return ErrArbitratorRequired
		}
		e.State = StateDisputed
		e.DisputedAt = &now
		fx.emit(events.TypeDisputed, e, e.Residual(), 0, map[string]string{"raised_by": caller})
		return nil
	})
}

// ResolveDispute settles a disputed escrow. splitBps is the freelancer's
// share of the residual and is only read for DisputeSplit.
func (s *Service) ResolveDispute(ctx context.Context, id, caller string, result DisputeResult, splitBps uint32) (*Escrow, error) {
	return s.mutate(ctx, "resolve_dispute", id, caller, func(e *Escrow, now time.Time, fx *effect) error {
		if e.Arbitrator == "" || caller != e.Arbitrator {
			return ErrUnauthorized
		}
		if e.State != StateDisputed {
			return ErrDisputeNotActive
		}
		st, err := Settle(result, e.Residual(), splitBps, e.DisputeFeeBps)
		if err != nil {
			return err
		}
		if err := checkTransition(e.State, st.Final); err != nil {
			return err
		}

		fx.move(ledger.VaultAccount(e.ID), e.Client, e.Asset, st.ClientRefund)
		e.RefundedAmount += st.ClientRefund
		fx.payout(e, s.cfg.FeeAccount, fees.Breakdown{Gross: st.FreelancerGross, Fee: st.Fee, Net: st.FreelancerNet})

		e.State = st.Final
		e.DisputeResult = result
		e.ResolvedAt = &now
		if st.Final == StateReleased {
			e.ReleasedAt = &now
		}
		fx.emit(events.TypeResolved, e, st.Residual, st.Fee, map[string]string{
			"result":          string(result),
			"client_refund":   strconv.FormatInt(st.ClientRefund, 10),
			"freelancer_paid": strconv.FormatInt(st.FreelancerNet, 10),
		})
		return nil
	})
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// Page is one slice of a principal's escrows. NextCursor is empty on the
// last page.
type Page struct {
	Escrows    []*Escrow
	NextCursor string
}

// Page sizes for ListByPrincipal.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ListByPrincipal returns escrows involving principal in any role, newest
// first. cursor is the NextCursor of a previous page or "".
func (s *Service) ListByPrincipal(ctx context.Context, principal string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)
	after, err := pagination.Parse(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	list, err := s.store.ListByPrincipal(ctx, principal, limit+1, after)
	if err != nil {
		return nil, err
	}
	list, next := pagination.Trim(list, limit, func(e *Escrow) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return &Page{Escrows: list, NextCursor: next}, nil
}

// Export returns a self-contained audit snapshot.
func (s *Service) Export(ctx context.Context, id string) (*Export, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Export{
		ContractID:       e.ID,
		EscrowData:       e,
		Milestones:       e.Clone().Milestones,
		MilestoneHistory: e.History.Entries(),
		ExportTimestamp:  s.now().UTC(),
		ExportVersion:    ExportVersion,
	}, nil
}

// Summary returns the short listing view of an escrow.
func (s *Service) Summary(ctx context.Context, id string) (*Summary, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sum := e.Summarize()
	return &sum, nil
}
