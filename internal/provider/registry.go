package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
)

// Breaker defaults: trip after consecutive failures within the counting
// window, stay open for the cooldown, then admit a single probe.
const (
	BreakerFailureThreshold = 5
	BreakerCountWindow      = 60 * time.Second
	BreakerCooldown         = 30 * time.Second
	BreakerHalfOpenProbes   = 1
)

// Rate limit defaults applied when a provider has no explicit config.
const (
	defaultRatePerSec  = 5.0
	defaultBurst       = 5
	defaultRateMaxWait = 2 * time.Second
	defaultTimeout     = 10 * time.Second
	defaultStaleAfter  = 60 * time.Second
	defaultWeight      = 1.0
)

// entry is the registry's per-provider state. Breaker and health are
// mutated from call sites under their own synchronization; weight and
// limits are immutable after registration.
type entry struct {
	provider        DataProvider
	weight          float64
	limiter         *rate.Limiter
	rateMaxWait     time.Duration
	timeout         time.Duration
	staleAfter      time.Duration
	confidenceFloor float64
	breaker         *gobreaker.CircuitBreaker
	health          *HealthTracker
}

// Registry owns provider weights, rate limiters, circuit breakers and
// health snapshots. It is the only path through which providers are
// fetched.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a provider with its per-provider configuration. A nil cfg
// applies the package defaults, which are the same for every kind.
func (r *Registry) Register(p DataProvider, cfg *config.ProviderConfig) {
	e := &entry{
		provider:    p,
		weight:      defaultWeight,
		limiter:     rate.NewLimiter(rate.Limit(defaultRatePerSec), defaultBurst),
		rateMaxWait: defaultRateMaxWait,
		timeout:     defaultTimeout,
		staleAfter:  defaultStaleAfter,
		health:      NewHealthTracker(),
	}
	if cfg != nil {
		if cfg.Weight > 0 {
			e.weight = cfg.Weight
		}
		if cfg.RatePerSec > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		}
		if cfg.RateMaxWaitMS > 0 {
			e.rateMaxWait = time.Duration(cfg.RateMaxWaitMS) * time.Millisecond
		}
		if cfg.TimeoutMS > 0 {
			e.timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
		}
		if cfg.StaleAfterS > 0 {
			e.staleAfter = time.Duration(cfg.StaleAfterS) * time.Second
		}
		e.confidenceFloor = cfg.ConfidenceFloor
	}

	id := p.ID()
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: BreakerHalfOpenProbes,
		Interval:    BreakerCountWindow,
		Timeout:     BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= BreakerFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.ProviderBreakerState.WithLabelValues(name).Set(v)
		},
	})

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
}

// Fetch runs one provider fetch through the rate limiter and circuit
// breaker, records health and metrics, and returns a typed error on
// failure. The returned signal has its confidence clamped and quality
// flags evaluated against the provider's staleness and floor settings.
func (r *Registry) Fetch(ctx context.Context, providerID string, symbol market.Symbol) (market.ProviderSignal, error) {
	e, err := r.lookup(providerID)
	if err != nil {
		return market.ProviderSignal{}, err
	}

	if !e.provider.SupportsAssetClass(symbol.Class) {
		return market.ProviderSignal{}, NewError(providerID, ErrUnsupportedSymbol,
			fmt.Errorf("asset class %s not supported", symbol.Class))
	}

	// Token bucket: block up to rateMaxWait, then give up with
	// RATE_LIMITED so the cycle can proceed without this provider.
	waitCtx, cancel := context.WithTimeout(ctx, e.rateMaxWait)
	err = e.limiter.Wait(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return market.ProviderSignal{}, ctx.Err()
		}
		metrics.ProviderRequests.WithLabelValues(providerID, metrics.ProviderErrorRateLimited).Inc()
		return market.ProviderSignal{}, NewError(providerID, ErrRateLimited, err)
	}

	start := time.Now()
	result, err := e.breaker.Execute(func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()
		sig, err := e.provider.Fetch(fetchCtx, symbol)
		if err != nil {
			return nil, err
		}
		return sig, nil
	})
	elapsed := time.Since(start)
	metrics.ProviderLatency.WithLabelValues(providerID).Observe(elapsed.Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ProviderRequests.WithLabelValues(providerID, metrics.ProviderErrorDown).Inc()
			return market.ProviderSignal{}, NewError(providerID, ErrUpstreamDown, err)
		}
		e.health.Record(false, elapsed)
		kind := KindOf(err)
		metrics.ProviderRequests.WithLabelValues(providerID, metrics.NormalizeProviderError(err)).Inc()
		if _, ok := err.(*Error); ok {
			return market.ProviderSignal{}, err
		}
		return market.ProviderSignal{}, NewError(providerID, kind, err)
	}

	e.health.Record(true, elapsed)
	metrics.ProviderRequests.WithLabelValues(providerID, "success").Inc()

	sig := result.(market.ProviderSignal)
	sig.ProviderID = providerID
	sig.Symbol = symbol.Ticker
	sig.ClampConfidence()
	if time.Since(sig.FetchedAt) > e.staleAfter {
		sig.Quality.Stale = true
	}
	if sig.Confidence < e.confidenceFloor {
		sig.Quality.OutOfBounds = true
	}
	return sig, nil
}

// lookup returns the entry for a provider id.
func (r *Registry) lookup(providerID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[providerID]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", providerID)
	}
	return e, nil
}

// Weight returns the configured weight for a provider (0 if unknown).
func (r *Registry) Weight(providerID string) float64 {
	e, err := r.lookup(providerID)
	if err != nil {
		return 0
	}
	return e.weight
}

// Weights returns a snapshot of all provider weights.
func (r *Registry) Weights() map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]float64, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.weight
	}
	return out
}

// ConfidenceFloor returns the per-provider confidence floor.
func (r *Registry) ConfidenceFloor(providerID string) float64 {
	e, err := r.lookup(providerID)
	if err != nil {
		return 0
	}
	return e.confidenceFloor
}

// ProvidersFor returns provider ids serving the asset class, split into
// primary-market racers and everything else.
func (r *Registry) ProvidersFor(class market.AssetClass) (primary, others []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.entries {
		if !e.provider.SupportsAssetClass(class) {
			continue
		}
		if e.provider.Kind() == market.KindPrimaryMarket {
			primary = append(primary, id)
		} else {
			others = append(others, id)
		}
	}
	return primary, others
}

// CryptoCapable returns the ids of providers that can serve crypto symbols.
func (r *Registry) CryptoCapable() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.entries {
		if e.provider.SupportsAssetClass(market.AssetClassCrypto) {
			out = append(out, id)
		}
	}
	return out
}

// HealthSnapshots returns derived health per provider, for the control
// surface. Reads are lock-free with respect to breaker internals.
func (r *Registry) HealthSnapshots() map[string]HealthSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]HealthSnapshot, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.health.Snapshot()
	}
	return out
}

// BreakerState returns the breaker state string for a provider.
func (r *Registry) BreakerState(providerID string) string {
	e, err := r.lookup(providerID)
	if err != nil {
		return "unknown"
	}
	switch e.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}
