package reconcile

import (
	"context"
	"time"

	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
	"github.com/DB59s/tmdt-payments/internal/payment"
)

// Sweeper fails sessions whose invitation outlived its TTL. Providers
// expire hosted payment pages on their side; sweeping the local session
// keeps the order free for a fresh attempt instead of blocking on a
// QR code nobody can pay anymore.
//
// Sweeping rides the same conditional writes as everything else, so a
// genuine confirmation racing the sweep either wins cleanly or arrives
// as a stale ack afterwards.
type Sweeper struct {
	store payment.Store
	ttl   time.Duration
	freq  time.Duration
}

func NewSweeper(store payment.Store, ttl, freq time.Duration) *Sweeper {
	return &Sweeper{store: store, ttl: ttl, freq: freq}
}

// Run sweeps on the configured cadence until ctx is done.
func (w *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(w.freq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce fails every non-terminal session past the TTL. Returns the
// number of sessions it actually expired.
func (w *Sweeper) SweepOnce(ctx context.Context) int {
	log := logging.FromContext(ctx)
	cutoff := time.Now().Add(-w.ttl)

	refs, err := w.store.ListExpiredSessions(ctx, cutoff)
	if err != nil {
		log.Error("expiry sweep: list sessions", "err", err)
		return 0
	}

	expired := 0
	for _, ref := range refs {
		changed, err := w.store.TransitionSession(ctx, ref.Provider, ref.Token, payment.SessionFailed)
		if err != nil {
			log.Error("expiry sweep: fail session", "err", err, "token", ref.Token)
			continue
		}
		if changed {
			expired++
			metrics.SessionsExpiredTotal.WithLabelValues(string(ref.Provider)).Inc()
			log.Info("session expired",
				"order_code", ref.OrderCode, "provider", ref.Provider,
				"token", ref.Token, "age", time.Since(ref.CreatedAt).Round(time.Second))
		}
	}
	return expired
}
