// Package events carries escrow domain events to observers: logs, the
// websocket hub and a Redis stream.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event types. Listeners should treat unknown types as forward compatible.
const (
	TypeCreated           = "escrow.created"
	TypeFunded            = "escrow.funded"
	TypeMilestoneCreated  = "escrow.milestone.created"
	TypeMilestoneApproved = "escrow.milestone.approved"
	TypeMilestoneReleased = "escrow.milestone.released"
	TypeReleased          = "escrow.released"
	TypeRefunded          = "escrow.refunded"
	TypeDisputed          = "escrow.disputed"
	TypeResolved          = "escrow.resolved"
	TypeArbitratorSet     = "escrow.arbitrator.set"
)

// Types lists every event type in emission-independent order.
var Types = []string{
	TypeCreated, TypeFunded, TypeArbitratorSet,
	TypeMilestoneCreated, TypeMilestoneApproved, TypeMilestoneReleased,
	TypeReleased, TypeRefunded, TypeDisputed, TypeResolved,
}

// Event is one observable state change of an escrow.
type Event struct {
	Type       string            `json:"type"`
	EscrowID   string            `json:"escrowId"`
	Amount     int64             `json:"amount"`
	Fee        int64             `json:"fee,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Parties returns the principals named on the event.
func (e Event) Parties() []string {
	var out []string
	for _, k := range []string{"client", "freelancer", "arbitrator"} {
		if v := e.Attributes[k]; v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Emitter publishes events. Emit must not block the settlement path for long;
// implementations that talk to the network should bound their own work.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// Multi fans an event out to several emitters. Every emitter is tried; the
// first error is returned.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var first error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogEmitter writes every event as a structured log line.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (l *LogEmitter) Emit(ctx context.Context, ev Event) error {
	args := []any{"type", ev.Type, "escrow_id", ev.EscrowID, "amount", ev.Amount}
	if ev.Fee != 0 {
		args = append(args, "fee", ev.Fee)
	}
	for k, v := range ev.Attributes {
		args = append(args, k, v)
	}
	l.logger.InfoContext(ctx, "escrow event", args...)
	return nil
}

// Recorder keeps events in memory. Used by tests and the development server.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

var (
	_ Emitter = Multi(nil)
	_ Emitter = (*LogEmitter)(nil)
	_ Emitter = (*Recorder)(nil)
)
