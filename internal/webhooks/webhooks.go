// Package webhooks delivers escrow events to HTTP endpoints registered by
// the principals taking part in an escrow.
//
// Each delivery is a JSON POST signed with HMAC-SHA256 over the body using
// the subscription secret. Receivers verify the X-Escrowd-Signature header
// with Sign.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/offerhub/escrowd/internal/events"
	"github.com/offerhub/escrowd/internal/idgen"
	"github.com/offerhub/escrowd/internal/retry"
	"github.com/offerhub/escrowd/internal/syncutil"
)

const (
	HeaderEvent     = "X-Escrowd-Event"
	HeaderDelivery  = "X-Escrowd-Delivery"
	HeaderTimestamp = "X-Escrowd-Timestamp"
	HeaderSignature = "X-Escrowd-Signature"

	// MaxConsecutiveFailures disables a subscription after this many failed
	// deliveries in a row.
	MaxConsecutiveFailures = 10

	deliveryTimeout = 30 * time.Second
)

// ErrNotFound is returned for unknown subscription ids.
var ErrNotFound = errors.New("webhook not found")

var deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "escrowd",
	Subsystem: "webhook",
	Name:      "deliveries_total",
	Help:      "Webhook deliveries by event type and result.",
}, []string{"event_type", "result"})

func init() {
	prometheus.MustRegister(deliveriesTotal)
}

// Subscription is one endpoint a principal wants events posted to.
type Subscription struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Events              []string   `json:"events"` // empty means every type
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription takes events of type t.
func (s *Subscription) Wants(t string) bool {
	return s.Active && (len(s.Events) == 0 || slices.Contains(s.Events, t))
}

// Store persists subscriptions. Implementations hand out copies.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, owner string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Delivery is the JSON body posted to subscribers.
type Delivery struct {
	ID    string       `json:"id"`
	Event events.Event `json:"event"`
}

// Dispatcher fans escrow events out to matching subscriptions. It satisfies
// events.Emitter; deliveries run in the background so Emit only pays for the
// subscription lookup.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        retry.Policy
	logger       *slog.Logger
	urlValidator func(string) error
	now          func() time.Time

	statusLocks syncutil.KeyedMutex
	inflight    sync.WaitGroup
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		retry:        retry.Policy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second},
		logger:       logger,
		urlValidator: ValidateURL,
		now:          time.Now,
	}
}

// Emit schedules a delivery to every active subscription of every party on
// the event that wants its type.
func (d *Dispatcher) Emit(ctx context.Context, ev events.Event) error {
	var errs []error
	seen := make(map[string]bool)
	for _, owner := range ev.Parties() {
		if seen[owner] {
			continue
		}
		seen[owner] = true

		subs, err := d.store.ListByOwner(ctx, owner)
		if err != nil {
			errs = append(errs, fmt.Errorf("list webhooks for %s: %w", owner, err))
			continue
		}
		for _, sub := range subs {
			if !sub.Wants(ev.Type) {
				continue
			}
			dlv := Delivery{ID: idgen.WithPrefix(idgen.DeliveryPrefix), Event: ev}
			d.inflight.Add(1)
			go func() {
				defer d.inflight.Done()
				d.deliver(sub, dlv)
			}()
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every scheduled delivery has finished.
func (d *Dispatcher) Wait() {
	d.inflight.Wait()
}

func (d *Dispatcher) deliver(sub *Subscription, dlv Delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	payload, err := json.Marshal(dlv)
	if err != nil {
		d.record(ctx, sub.ID, dlv.Event.Type, fmt.Errorf("marshal delivery: %w", err))
		return
	}
	err = d.retry.Do(ctx, func(ctx context.Context) error {
		return d.post(ctx, sub, dlv, payload)
	})
	d.record(ctx, sub.ID, dlv.Event.Type, err)
}

func (d *Dispatcher) post(ctx context.Context, sub *Subscription, dlv Delivery, payload []byte) error {
	if err := d.urlValidator(sub.URL); err != nil {
		return retry.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, dlv.Event.Type)
	req.Header.Set(HeaderDelivery, dlv.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// record stores the outcome on the subscription. Updates for one
// subscription are serialised so failure counts are not lost.
func (d *Dispatcher) record(ctx context.Context, id, eventType string, deliveryErr error) {
	result := "success"
	if deliveryErr != nil {
		result = "failure"
	}
	deliveriesTotal.WithLabelValues(eventType, result).Inc()

	unlock, err := d.statusLocks.Lock(ctx, id)
	if err != nil {
		return
	}
	defer unlock()

	sub, err := d.store.Get(ctx, id)
	if err != nil {
		// Deleted while the delivery was in flight.
		return
	}
	if deliveryErr == nil {
		now := d.now().UTC()
		sub.LastSuccess = &now
		sub.LastError = ""
		sub.ConsecutiveFailures = 0
	} else {
		sub.LastError = deliveryErr.Error()
		sub.ConsecutiveFailures++
		if sub.ConsecutiveFailures >= MaxConsecutiveFailures && sub.Active {
			sub.Active = false
			d.logger.Warn("webhook disabled after repeated failures",
				"webhook_id", sub.ID, "owner", sub.Owner, "failures", sub.ConsecutiveFailures)
		}
	}
	if err := d.store.Update(ctx, sub); err != nil {
		d.logger.Warn("failed to record webhook delivery", "webhook_id", id, "error", err)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ events.Emitter = (*Dispatcher)(nil)
