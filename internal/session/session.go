// Package session opens and resolves payment sessions. The registry is
// the only writer of new sessions; confirmations go through the
// reconciliation engine instead.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
	"github.com/DB59s/tmdt-payments/internal/provider"
)

// ErrRailNotConfigured means the requested provider has no credentials in
// this deployment.
var ErrRailNotConfigured = errors.New("payment rail not configured")

// Registry opens sessions through the configured provider adapters.
type Registry struct {
	store    payment.Store
	adapters map[payment.Provider]provider.Adapter
}

func NewRegistry(store payment.Store, adapters ...provider.Adapter) *Registry {
	m := make(map[payment.Provider]provider.Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{store: store, adapters: m}
}

// Adapter returns the adapter for a provider, if configured.
func (r *Registry) Adapter(p payment.Provider) (provider.Adapter, bool) {
	a, ok := r.adapters[p]
	return a, ok
}

// Open creates a payment session for the order on the given rail and
// returns the invitation.
//
// If the order already has an active session on the same rail, that
// session's invitation is returned again: a storefront retrying a lost
// response must not strand the customer. An active session on a
// different rail is a real conflict and is reported as one.
func (r *Registry) Open(ctx context.Context, orderCode string, p payment.Provider) (*provider.Invitation, error) {
	adapter, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRailNotConfigured, p)
	}

	o, err := r.store.GetOrderByCode(ctx, orderCode)
	if err != nil {
		return nil, err
	}
	if o.PaymentStatus == payment.OrderPaid {
		return nil, payment.ErrOrderAlreadyPaid
	}

	// Recovery short-circuit: an existing active session on this rail is
	// re-issued rather than re-initiated, so the provider never sees a
	// duplicate create for the same attempt.
	if existing := o.ActiveSession(); existing != nil {
		if existing.Provider == p {
			return provider.FromSession(existing), nil
		}
		return nil, payment.ErrDuplicateActiveSession
	}

	s, err := adapter.Initiate(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("initiate %s session: %w", p, err)
	}

	if err := r.store.PutSession(ctx, o.ID, s); err != nil {
		if errors.Is(err, payment.ErrDuplicateActiveSession) {
			// Lost a create race. If the winner is on our rail, hand out
			// its invitation; otherwise surface the conflict.
			fresh, ferr := r.store.GetOrderByCode(ctx, orderCode)
			if ferr == nil {
				if active := fresh.ActiveSession(); active != nil && active.Provider == p {
					return provider.FromSession(active), nil
				}
			}
		}
		return nil, err
	}

	metrics.SessionsOpenedTotal.WithLabelValues(string(p)).Inc()
	logging.FromContext(ctx).Info("payment session opened",
		"order_code", orderCode, "provider", p, "token", s.CorrelationToken)
	return provider.FromSession(s), nil
}

// FindByToken resolves a correlation token to its session and order.
func (r *Registry) FindByToken(ctx context.Context, token string) (*payment.Order, *payment.Session, error) {
	return r.store.FindSessionByToken(ctx, token)
}
