// Package reconcile applies confirmation signals to payment sessions.
//
// Every channel converges here: webhooks, redirect returns, status polls
// and operator actions all become ConfirmationEvents and go through the
// same Apply path. Idempotency and exactly-once settlement fall out of
// the store's conditional writes, not from any bookkeeping in this
// package: a duplicate signal loses the compare-and-set and is reported
// as stale, whichever channel it arrived on.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/traces"
)

var (
	// ErrUnknownSession means no session matches the event's token.
	ErrUnknownSession = errors.New("no session matches the correlation token")
	// ErrInvalidSignature means the provider adapter's authenticity check
	// failed for a channel that requires one.
	ErrInvalidSignature = errors.New("confirmation signature invalid")
)

// Notifier receives the settlement side effect. Invoked exactly once per
// order, by whichever event's compare-and-set actually changed the row.
type Notifier interface {
	OrderPaid(ctx context.Context, o *payment.Order, s *payment.Session)
}

// NopNotifier discards settlement notifications.
type NopNotifier struct{}

func (NopNotifier) OrderPaid(context.Context, *payment.Order, *payment.Session) {}

// Result reports what Apply did with an event.
type Result struct {
	// Applied: the event transitioned the session.
	Applied bool
	// Stale: the session was already terminal; acknowledged, nothing done.
	Stale bool
	// Pending: the event claims no outcome yet; nothing to apply.
	Pending bool
	// Settled: this event's write settled the order (implies Applied).
	Settled bool

	Order   *payment.Order
	Session *payment.Session
}

// Engine applies confirmation events against the store.
type Engine struct {
	store    payment.Store
	notifier Notifier
}

func NewEngine(store payment.Store, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{store: store, notifier: notifier}
}

// Apply processes one confirmation event.
//
// Rejections (unknown session, bad signature) mutate nothing. A terminal
// session yields a stale no-op with a nil error so the caller can ack the
// provider: providers redeliver until acked, and redelivery of an applied
// event is normal, not an error.
func (e *Engine) Apply(ctx context.Context, ev *payment.ConfirmationEvent) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Apply",
		traces.Provider(string(ev.Provider)), traces.Source(string(ev.Source)))
	defer span.End()

	log := logging.Confirmation(ctx, string(ev.Provider), string(ev.Source), ev.CorrelationToken)

	if ev.CorrelationToken == "" {
		e.count(ev, "rejected_unknown")
		log.Warn("confirmation with no correlation token", "reason", ev.Reason)
		return nil, ErrUnknownSession
	}

	o, s, err := e.store.FindSessionByToken(ctx, ev.CorrelationToken)
	if err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			e.count(ev, "rejected_unknown")
			log.Warn("confirmation for unknown session")
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("resolve session: %w", err)
	}
	if s.Provider != ev.Provider {
		// A token resolving to another rail's session is not a session
		// this event may touch.
		e.count(ev, "rejected_unknown")
		log.Warn("confirmation provider mismatch", "session_provider", s.Provider)
		return nil, ErrUnknownSession
	}

	if ev.SignatureValid != nil && !*ev.SignatureValid {
		e.count(ev, "rejected_signature")
		log.Warn("confirmation signature rejected", "claimed_outcome", ev.Outcome)
		return nil, ErrInvalidSignature
	}

	if s.Status.Terminal() {
		e.count(ev, "stale")
		log.Info("stale confirmation acknowledged", "session_status", s.Status)
		return &Result{Stale: true, Order: o, Session: s}, nil
	}

	switch ev.Outcome {
	case payment.OutcomeSuccess:
		return e.applySuccess(ctx, ev, o, s, log)
	case payment.OutcomeFailure:
		return e.applyFailure(ctx, ev, o, s, log)
	case payment.OutcomePending:
		// A pending claim is information, not a transition.
		return &Result{Pending: true, Order: o, Session: s}, nil
	default:
		e.count(ev, "failed")
		return nil, fmt.Errorf("unrecognized outcome %q", ev.Outcome)
	}
}

func (e *Engine) applySuccess(ctx context.Context, ev *payment.ConfirmationEvent, o *payment.Order, s *payment.Session, log *slog.Logger) (*Result, error) {
	settled, err := e.store.ConfirmSessionAndMarkPaid(ctx, ev.Provider, ev.CorrelationToken)
	if err != nil {
		return nil, fmt.Errorf("confirm session: %w", err)
	}
	if !settled {
		// Lost the race to a duplicate, or the session failed meanwhile.
		e.count(ev, "stale")
		return &Result{Stale: true, Order: o, Session: s}, nil
	}

	now := ev.ReceivedAt
	o.PaymentStatus = payment.OrderPaid
	o.PaymentMethod = ev.Provider
	o.PaidAt = &now
	s.Status = payment.SessionConfirmed
	s.ConfirmedAt = &now

	e.count(ev, "applied")
	metrics.SettlementsTotal.WithLabelValues(string(ev.Provider)).Inc()
	log.Info("order settled", "order_code", o.Code, "transaction_id", ev.TransactionID)

	// This call sits on the winning path only: the CAS above changed the
	// row for exactly one of N concurrent duplicates.
	e.notifier.OrderPaid(ctx, o, s)

	return &Result{Applied: true, Settled: true, Order: o, Session: s}, nil
}

func (e *Engine) applyFailure(ctx context.Context, ev *payment.ConfirmationEvent, o *payment.Order, s *payment.Session, log *slog.Logger) (*Result, error) {
	changed, err := e.store.TransitionSession(ctx, ev.Provider, ev.CorrelationToken, payment.SessionFailed)
	if err != nil {
		return nil, fmt.Errorf("fail session: %w", err)
	}
	if !changed {
		e.count(ev, "stale")
		return &Result{Stale: true, Order: o, Session: s}, nil
	}

	s.Status = payment.SessionFailed
	e.count(ev, "applied")
	log.Info("session failed", "order_code", o.Code, "reason", ev.Reason)
	return &Result{Applied: true, Order: o, Session: s}, nil
}

func (e *Engine) count(ev *payment.ConfirmationEvent, verdict string) {
	metrics.ConfirmationsTotal.WithLabelValues(string(ev.Provider), string(ev.Source), verdict).Inc()
}
