// Package notify delivers settlement notifications to external
// collaborators. Fulfillment, accounting, and CRM register webhook URLs;
// each gets an HMAC-signed POST when an order settles.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/DB59s/tmdt-payments/internal/idgen"
	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
)

// EventType is the kind of webhook event.
type EventType string

const (
	EventOrderPaid      EventType = "order.paid"
	EventSessionExpired EventType = "session.expired"
)

// Event is the delivery payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// Subscription is one collaborator's registered webhook endpoint.
type Subscription struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Secret      string      `json:"-"`
	Events      []EventType `json:"events"`
	Active      bool        `json:"active"`
	CreatedAt   time.Time   `json:"createdAt"`
	LastSuccess *time.Time  `json:"lastSuccess,omitempty"`
	LastError   string      `json:"lastError,omitempty"`
}

// wants reports whether the subscription covers the event type.
func (s *Subscription) wants(t EventType) bool {
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context) ([]*Subscription, error)
	GetByEvent(ctx context.Context, t EventType) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = fmt.Errorf("webhook subscription not found")

// Dispatcher fans settlement events out to subscribers. Deliveries are
// asynchronous: a slow collaborator endpoint must not sit inside the
// settlement write path.
type Dispatcher struct {
	store  Store
	client *http.Client

	// wg tracks in-flight deliveries so tests and shutdown can drain.
	wg sync.WaitGroup
}

func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// OrderPaid implements the reconciliation engine's settlement callback.
func (d *Dispatcher) OrderPaid(ctx context.Context, o *payment.Order, s *payment.Session) {
	d.Dispatch(ctx, &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      EventOrderPaid,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"orderId":       o.ID,
			"orderCode":     o.Code,
			"paymentStatus": o.PaymentStatus,
			"provider":      s.Provider,
			"nativeAmount":  s.NativeAmount,
			"nativeUnit":    s.NativeUnit,
		},
	})
}

// Dispatch sends the event to every active matching subscription.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) {
	subs, err := d.store.GetByEvent(ctx, event.Type)
	if err != nil {
		logging.FromContext(ctx).Error("webhook dispatch: load subscribers", "err", err)
		return
	}
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		d.wg.Add(1)
		go func(sub *Subscription) {
			defer d.wg.Done()
			// Detach from the request context; the delivery outlives it.
			d.send(context.WithoutCancel(ctx), sub, event)
		}(sub)
	}
}

// Drain waits for in-flight deliveries. Call on shutdown.
func (d *Dispatcher) Drain() { d.wg.Wait() }

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, event *Event) {
	log := logging.FromContext(ctx).With("subscription", sub.ID, "event", event.Type)

	payload, err := json.Marshal(event)
	if err != nil {
		d.recordError(ctx, sub, "marshal event: "+err.Error())
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.recordError(ctx, sub, "build request: "+err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payments-Event", string(event.Type))
	req.Header.Set("X-Payments-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if sub.Secret != "" {
		req.Header.Set("X-Payments-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.recordError(ctx, sub, "request failed: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("delivered").Inc()
		d.recordSuccess(ctx, sub)
		log.Debug("webhook delivered", "status", resp.StatusCode)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("rejected").Inc()
	d.recordError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
}

// Sign computes the hex HMAC-SHA256 delivery signature receivers verify.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	if err := d.store.Update(ctx, sub); err != nil {
		logging.FromContext(ctx).Error("webhook bookkeeping", "err", err)
	}
}

func (d *Dispatcher) recordError(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	if err := d.store.Update(ctx, sub); err != nil {
		logging.FromContext(ctx).Error("webhook bookkeeping", "err", err)
	}
	logging.FromContext(ctx).Warn("webhook delivery failed", "subscription", sub.ID, "err", msg)
}

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) List(ctx context.Context) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	return subs, nil
}

func (m *MemoryStore) GetByEvent(ctx context.Context, t EventType) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var subs []*Subscription
	for _, sub := range m.subs {
		if sub.wants(t) {
			subs = append(subs, sub)
		}
	}
	return subs, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
