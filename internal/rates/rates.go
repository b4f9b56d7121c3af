// Package rates converts fiat order amounts into native provider units.
//
// Conversion happens once, at session creation; the result is frozen into
// the session and never recomputed, so a rate move between initiation and
// settlement cannot change what the customer was quoted.
package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/DB59s/tmdt-payments/internal/logging"
	"github.com/DB59s/tmdt-payments/internal/metrics"
)

// Unit is a native settlement unit quoted by the price feed.
type Unit string

const (
	// UnitStablecoin is the stablecoin deposit unit, quoted to 2 decimals.
	UnitStablecoin Unit = "stablecoin"
	// UnitChainToken is the chain-rail native token, quoted to 5 decimals.
	UnitChainToken Unit = "chain_token"
)

// decimals returns the truncation precision for a unit. Truncation always
// rounds toward the customer: they are never asked to overpay a sub-unit.
func (u Unit) decimals() int {
	if u == UnitChainToken {
		return 5
	}
	return 2
}

// feedResponse is the price-feed payload: fiat per one native unit.
type feedResponse struct {
	Rates map[Unit]float64 `json:"rates"`
}

// Converter turns fiat amounts into native-unit decimal strings using a
// remote price feed, with static fallback rates so session creation never
// fails on a feed outage.
type Converter struct {
	feedURL  string
	client   *http.Client
	fallback map[Unit]float64

	mu     sync.RWMutex
	cached map[Unit]float64
	lastOK time.Time
}

// NewConverter builds a converter. feedURL may be empty, in which case the
// fallback rates are authoritative. Fallback rates of zero disable the
// corresponding unit.
func NewConverter(feedURL string, timeout time.Duration, fallback map[Unit]float64) *Converter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	fb := make(map[Unit]float64, len(fallback))
	for u, r := range fallback {
		fb[u] = r
	}
	return &Converter{
		feedURL:  feedURL,
		client:   &http.Client{Timeout: timeout},
		fallback: fb,
		cached:   make(map[Unit]float64),
	}
}

// Convert returns fiatAmount expressed in unit as a decimal string,
// truncated to the unit's precision. The live feed is preferred; on any
// feed failure the cached-then-static fallback is used and the fallback
// counter is incremented. Convert only errors when no rate exists at all.
func (c *Converter) Convert(ctx context.Context, fiatAmount int64, unit Unit) (string, error) {
	if fiatAmount <= 0 {
		return "", fmt.Errorf("convert: non-positive fiat amount %d", fiatAmount)
	}

	rate, live := c.liveRate(ctx, unit)
	if !live {
		rate = c.fallbackRate(unit)
		metrics.RateFallbacksTotal.WithLabelValues(string(unit)).Inc()
		logging.FromContext(ctx).Warn("price feed unavailable, using fallback rate",
			"unit", unit, "rate", rate)
	}
	if rate <= 0 {
		return "", fmt.Errorf("convert: no usable rate for unit %q", unit)
	}

	return truncateQuotient(fiatAmount, rate, unit.decimals()), nil
}

// LastOK reports when the feed last answered successfully. Zero means it
// never has; the staleness health checker treats that as healthy startup.
func (c *Converter) LastOK() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastOK
}

func (c *Converter) liveRate(ctx context.Context, unit Unit) (float64, bool) {
	if c.feedURL == "" {
		return 0, false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.feedURL, nil)
	if err != nil {
		return 0, false
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.ProviderRoundTripDuration.WithLabelValues("price_feed", "fetch").Observe(time.Since(start).Seconds())
	if err != nil {
		return 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, false
	}

	var body feedResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, false
	}
	rate, ok := body.Rates[unit]
	if !ok || rate <= 0 {
		return 0, false
	}

	c.mu.Lock()
	c.cached[unit] = rate
	c.lastOK = time.Now()
	c.mu.Unlock()
	return rate, true
}

// fallbackRate prefers the last good feed value over the static config.
func (c *Converter) fallbackRate(unit Unit) float64 {
	c.mu.RLock()
	cached := c.cached[unit]
	c.mu.RUnlock()
	if cached > 0 {
		return cached
	}
	return c.fallback[unit]
}

// truncateQuotient computes fiat/rate exactly in big.Rat and truncates the
// decimal expansion at the given precision. float64 division would round,
// sometimes upward; exact rational truncation never charges the extra
// sub-unit.
func truncateQuotient(fiat int64, rate float64, decimals int) string {
	q := new(big.Rat).Quo(new(big.Rat).SetInt64(fiat), new(big.Rat).SetFloat64(rate))

	// Scale, floor, unscale: floor(q * 10^d) / 10^d.
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	scaled := new(big.Rat).Mul(q, new(big.Rat).SetInt(scale))
	whole := new(big.Int).Quo(scaled.Num(), scaled.Denom())

	return new(big.Rat).SetFrac(whole, scale).FloatString(decimals)
}
