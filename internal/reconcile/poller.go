package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/provider"
	"github.com/DB59s/tmdt-payments/internal/retry"
)

// errStillPending drives DoFixed to the next attempt.
var errStillPending = errors.New("session still pending")

// Poller drives status polls for sessions whose confirmation channel went
// quiet: abandoned card redirects, chain transfers awaiting finality,
// customers who paid but closed the tab.
type Poller struct {
	store    payment.Store
	engine   *Engine
	attempts int
	delay    time.Duration
}

func NewPoller(store payment.Store, engine *Engine, attempts int, delay time.Duration) *Poller {
	if attempts <= 0 {
		attempts = 1
	}
	return &Poller{store: store, engine: engine, attempts: attempts, delay: delay}
}

// Run polls the adapter for the session's outcome until an attempt yields
// a terminal claim, the session turns terminal by another channel, or the
// attempt budget runs out. Exhausting the budget is a normal outcome: the
// session stays pending and a later webhook or a fresh Run can still
// settle it.
func (p *Poller) Run(ctx context.Context, adapter provider.Adapter, token string) (*Result, error) {
	prov := string(adapter.Provider())
	log := logging.Confirmation(ctx, prov, string(payment.SourcePoll), token)

	// The customer has been handed off to the provider; the session is
	// in flight even if this transition loses a race with a webhook.
	if _, err := p.store.TransitionSession(ctx, adapter.Provider(), token, payment.SessionAwaiting); err != nil {
		if errors.Is(err, payment.ErrSessionNotFound) {
			return nil, ErrUnknownSession
		}
		return nil, fmt.Errorf("mark session awaiting: %w", err)
	}

	var result *Result
	err := retry.DoFixed(ctx, p.attempts, p.delay, func() error {
		o, s, err := p.store.FindSessionByToken(ctx, token)
		if err != nil {
			if errors.Is(err, payment.ErrSessionNotFound) {
				return retry.Permanent(ErrUnknownSession)
			}
			return err
		}
		// Another channel may have finished the session between attempts.
		if s.Status.Terminal() {
			result = &Result{Stale: true, Order: o, Session: s}
			return nil
		}

		ev, err := adapter.PollStatus(ctx, o, s)
		if err != nil {
			if errors.Is(err, provider.ErrProviderUnavailable) {
				metrics.PollAttemptsTotal.WithLabelValues(prov, "unavailable").Inc()
				log.Warn("poll attempt failed, provider unavailable", "err", err)
				return err
			}
			metrics.PollAttemptsTotal.WithLabelValues(prov, "error").Inc()
			return retry.Permanent(err)
		}

		if ev.Outcome == payment.OutcomePending {
			metrics.PollAttemptsTotal.WithLabelValues(prov, "pending").Inc()
			result = &Result{Pending: true, Order: o, Session: s}
			return errStillPending
		}

		metrics.PollAttemptsTotal.WithLabelValues(prov, "answered").Inc()
		result, err = p.engine.Apply(ctx, ev)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, errStillPending) {
			log.Info("poll budget exhausted, session remains pending", "attempts", p.attempts)
			return result, nil
		}
		return nil, err
	}
	return result, nil
}
