// Package generator runs the signal-generation cycle: provider fan-out
// with a primary market-data race, consensus fusion, regime-adjusted
// gating, persistence and execution dispatch.
package generator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/consensus"
	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
	"github.com/tradeflux/tradeflux/internal/provider"
	"github.com/tradeflux/tradeflux/internal/regime"
)

// SignalWriter persists signals; *store.SignalStore implements it.
type SignalWriter interface {
	Write(ctx context.Context, sig *market.Signal) (bool, error)
}

// SignalPublisher emits persisted signals downstream.
type SignalPublisher interface {
	PublishSignal(ctx context.Context, sig *market.Signal) error
}

// Executor dispatches signals for execution; *execution.Engine implements
// it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
}

// Suppression reasons for the metrics label.
const (
	suppressNoProviders    = "no_providers"
	suppressPriceUnchanged = "price_unchanged"
	suppressNeutral        = "neutral_consensus"
	suppressBelowThreshold = "below_threshold"
	suppressNoPrice        = "no_reference_price"
	suppressInvalid        = "invariant_violation"
	suppressStoreError     = "store_error"
)

// Generator owns the per-symbol last-price and last-signal caches and
// orchestrates one cycle per tick. Cycles never overlap per symbol; free
// symbols dispatch while busy ones skip the tick.
type Generator struct {
	registry   *provider.Registry
	engine     *consensus.Engine
	cache      *consensus.Cache
	classifier *regime.Classifier
	history    map[market.AssetClass]provider.CloseHistorySource
	writer     SignalWriter
	publisher  SignalPublisher
	executor   Executor
	cfg        config.EngineConfig
	log        zerolog.Logger

	mu         sync.Mutex
	lastPrice  map[string]float64
	lastSignal map[string]*market.Signal
	lastVol    map[string]float64
	inFlight   map[string]bool
}

// New creates a generator. publisher and executor may be nil.
func New(
	registry *provider.Registry,
	engine *consensus.Engine,
	cache *consensus.Cache,
	classifier *regime.Classifier,
	history map[market.AssetClass]provider.CloseHistorySource,
	writer SignalWriter,
	publisher SignalPublisher,
	executor Executor,
	cfg config.EngineConfig,
) *Generator {
	return &Generator{
		registry:   registry,
		engine:     engine,
		cache:      cache,
		classifier: classifier,
		history:    history,
		writer:     writer,
		publisher:  publisher,
		executor:   executor,
		cfg:        cfg,
		log:        config.NewLogger("generator"),
		lastPrice:  make(map[string]float64),
		lastSignal: make(map[string]*market.Signal),
		lastVol:    make(map[string]float64),
		inFlight:   make(map[string]bool),
	}
}

// Run ticks cycles until the context is cancelled. Cycle contexts derive
// from ctx, so a cycle in progress sees the cancellation; Run returns once
// that cycle has returned.
func (g *Generator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.CycleInterval())
	defer ticker.Stop()

	g.log.Info().
		Dur("interval", g.cfg.CycleInterval()).
		Int("symbols", len(g.cfg.Symbols)).
		Msg("Signal generator started")

	for {
		select {
		case <-ctx.Done():
			g.log.Info().Msg("Signal generator stopped")
			return
		case <-ticker.C:
			g.RunCycle(ctx)
		}
	}
}

// RunCycle dispatches one cycle across all free symbols, high-volatility
// symbols first, bounded by the worker limit.
func (g *Generator) RunCycle(ctx context.Context) {
	symbols := g.prioritized()

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(g.cfg.MaxCycleWorkers)

	for _, sym := range symbols {
		if !g.tryAcquire(sym.Ticker) {
			metrics.CyclesSkipped.WithLabelValues("in_flight").Inc()
			continue
		}
		sym := sym
		group.Go(func() error {
			defer g.release(sym.Ticker)

			cycleCtx, cancel := context.WithTimeout(groupCtx, g.cfg.CycleTimeout())
			defer cancel()
			g.processSymbol(cycleCtx, sym)
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		g.log.Warn().Err(err).Msg("Cycle group reported error")
	}
}

// prioritized orders symbols by last observed volatility, descending, so
// the most informative assets bound tail latency.
func (g *Generator) prioritized() []market.Symbol {
	out := make([]market.Symbol, len(g.cfg.Symbols))
	copy(out, g.cfg.Symbols)

	g.mu.Lock()
	vols := make(map[string]float64, len(g.lastVol))
	for k, v := range g.lastVol {
		vols[k] = v
	}
	g.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return vols[out[i].Ticker] > vols[out[j].Ticker]
	})
	return out
}

// processSymbol runs the per-symbol flow for one cycle.
func (g *Generator) processSymbol(ctx context.Context, sym market.Symbol) {
	start := time.Now()
	logger := g.log.With().Str("symbol", sym.Ticker).Logger()

	primary, others := g.registry.ProvidersFor(sym.Class)
	if len(primary) == 0 && len(others) == 0 {
		metrics.SignalsSuppressed.WithLabelValues(suppressNoProviders).Inc()
		return
	}

	// Primary market-data race: first success wins, peers are cancelled.
	primarySignal, hasPrimary := g.racePrimary(ctx, sym, primary)

	refPrice := 0.0
	if hasPrimary && primarySignal.HasPrice {
		refPrice = primarySignal.IndicativePrice
	}

	// Early exit: a sub-threshold move reuses the cached decision with no
	// new write and no execution trigger.
	if refPrice > 0 {
		g.mu.Lock()
		last, hasLast := g.lastPrice[sym.Ticker]
		_, hasSignal := g.lastSignal[sym.Ticker]
		g.mu.Unlock()
		if hasLast && hasSignal && last > 0 &&
			math.Abs(refPrice-last)/last < g.cfg.MinPriceChangePct {
			metrics.SignalsSuppressed.WithLabelValues(suppressPriceUnchanged).Inc()
			logger.Debug().
				Float64("price", refPrice).
				Float64("last", last).
				Msg("Price unchanged, reusing cached signal")
			return
		}
	}

	// Fan-out to every other provider; late responders are dropped at the
	// cycle deadline.
	signals := g.fanOut(ctx, sym, others)
	if hasPrimary {
		signals[primarySignal.ProviderID] = primarySignal
	}
	if len(signals) == 0 {
		metrics.SignalsSuppressed.WithLabelValues(suppressNoProviders).Inc()
		return
	}

	// Regime classification over recent closes.
	reg := g.classify(ctx, sym)
	g.mu.Lock()
	g.lastVol[sym.Ticker] = reg.Volatility
	g.mu.Unlock()

	// Fall back to any provider-supplied price when no primary answered.
	if refPrice <= 0 {
		for _, s := range signals {
			if s.HasPrice && s.IndicativePrice > 0 {
				refPrice = s.IndicativePrice
				break
			}
		}
	}

	// Consensus, absorbing identical back-to-back inputs via the cache.
	active := make([]string, 0, len(signals))
	for id := range signals {
		active = append(active, id)
	}
	cacheKey := consensus.Key(sym.Ticker, refPrice, active)
	outcome, cached := g.cache.Get(ctx, cacheKey)
	if !cached {
		outcome = g.engine.Compute(sym.Ticker, signals, g.registry.Weights(), reg)
		g.cache.Put(ctx, cacheKey, outcome)
	}

	if outcome.Direction == market.DirectionNeutral {
		metrics.SignalsSuppressed.WithLabelValues(suppressNeutral).Inc()
		return
	}

	// Regime-adjusted gate: >= passes, < suppresses.
	if outcome.Confidence < reg.Threshold {
		metrics.SignalsSuppressed.WithLabelValues(suppressBelowThreshold).Inc()
		logger.Debug().
			Float64("confidence", outcome.Confidence).
			Float64("threshold", reg.Threshold).
			Str("regime", string(reg.Regime)).
			Msg("Confidence below regime threshold")
		return
	}

	if refPrice <= 0 {
		metrics.SignalsSuppressed.WithLabelValues(suppressNoPrice).Inc()
		logger.Warn().Msg("Directional consensus without a reference price, dropping")
		return
	}

	sig, err := g.assemble(sym, outcome, reg, refPrice, start)
	if err != nil {
		metrics.SignalsSuppressed.WithLabelValues(suppressInvalid).Inc()
		logger.Error().Err(err).Msg("Refusing emission: signal violates invariants")
		return
	}

	// Persist; a store failure aborts the emission entirely (no publish,
	// no execution) and the next cycle re-evaluates.
	if _, err := g.writer.Write(ctx, sig); err != nil {
		metrics.SignalsSuppressed.WithLabelValues(suppressStoreError).Inc()
		logger.Error().Err(err).Msg("Store write failed, emission aborted")
		return
	}
	metrics.SignalLatency.Observe(time.Since(start).Seconds())

	g.mu.Lock()
	g.lastPrice[sym.Ticker] = refPrice
	g.lastSignal[sym.Ticker] = sig
	g.mu.Unlock()

	if g.publisher != nil {
		if err := g.publisher.PublishSignal(ctx, sig); err != nil {
			logger.Warn().Err(err).Msg("Signal publish failed")
		}
	}

	if g.cfg.AutoExecute && g.executor != nil {
		if _, err := g.executor.Execute(ctx, execution.Request{Signal: *sig, Class: sym.Class}); err != nil {
			logger.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Execution dispatch failed")
		}
	}
}

// racePrimary launches all primary providers and takes the first success
// within the race timeout; outstanding peers are cancelled.
func (g *Generator) racePrimary(ctx context.Context, sym market.Symbol, primary []string) (market.ProviderSignal, bool) {
	if len(primary) == 0 {
		return market.ProviderSignal{}, false
	}

	timeout := time.Duration(g.cfg.MarketRaceTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	raceCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan market.ProviderSignal, len(primary))
	var wg sync.WaitGroup
	for _, id := range primary {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sig, err := g.registry.Fetch(raceCtx, id, sym)
			if err != nil {
				return
			}
			select {
			case results <- sig:
			default:
			}
		}(id)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case sig, ok := <-results:
		if ok {
			// Winner selected; cancel the peers.
			cancel()
			return sig, true
		}
	case <-raceCtx.Done():
	}
	return market.ProviderSignal{}, false
}

// fanOut requests all remaining providers concurrently and joins on the
// cycle deadline. Provider failures are absorbed here; the cycle proceeds
// with whatever arrived.
func (g *Generator) fanOut(ctx context.Context, sym market.Symbol, providers []string) map[string]market.ProviderSignal {
	out := make(map[string]market.ProviderSignal, len(providers))
	if len(providers) == 0 {
		return out
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range providers {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sig, err := g.registry.Fetch(ctx, id, sym)
			if err != nil {
				g.log.Debug().
					Err(err).
					Str("symbol", sym.Ticker).
					Str("provider", id).
					Msg("Provider fetch failed, continuing without it")
				return
			}
			mu.Lock()
			out[id] = sig
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return out
}

// classify labels the symbol's recent closes; without history the symbol
// trades under the CHOP fallback threshold.
func (g *Generator) classify(ctx context.Context, sym market.Symbol) regime.Result {
	source, ok := g.history[sym.Class]
	if ok {
		closes, err := source.CloseHistory(ctx, sym, 60)
		if err == nil {
			if res, cerr := g.classifier.Classify(sym.Ticker, closes); cerr == nil {
				return res
			}
		}
	}
	return regime.Result{
		Regime:    market.RegimeChop,
		Threshold: g.classifier.Threshold(market.RegimeChop),
	}
}

// assemble builds and validates the output record.
func (g *Generator) assemble(sym market.Symbol, outcome consensus.Outcome, reg regime.Result, entry float64, start time.Time) (*market.Signal, error) {
	action := market.ActionBuy
	target := entry * (1 + g.cfg.ProfitTargetPct)
	stop := entry * (1 - g.cfg.StopLossPct)
	if outcome.Direction == market.DirectionShort {
		action = market.ActionSell
		target = entry * (1 - g.cfg.ProfitTargetPct)
		stop = entry * (1 + g.cfg.StopLossPct)
	}

	now := time.Now().UTC()
	retention := time.Duration(g.cfg.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}

	sig := &market.Signal{
		Symbol:              sym.Ticker,
		Action:              action,
		EntryPrice:          entry,
		TargetPrice:         target,
		StopPrice:           stop,
		Confidence:          outcome.Confidence,
		Regime:              reg.Regime,
		SourcesUsed:         outcome.SourcesUsed,
		Rationale:           rationale(action, outcome, reg, entry),
		GenerationLatencyMS: time.Since(start).Milliseconds(),
		ServerTimestamp:     now,
		CreatedAt:           now,
		RetentionExpiresAt:  now.Add(retention),
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

// LastSignal returns the cached signal for a symbol, for the control
// surface and the early-exit path.
func (g *Generator) LastSignal(symbol string) *market.Signal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastSignal[symbol]
}

// tryAcquire marks a symbol in flight; false when a cycle is running.
func (g *Generator) tryAcquire(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight[symbol] {
		return false
	}
	g.inFlight[symbol] = true
	return true
}

func (g *Generator) release(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inFlight, symbol)
}

// rationale renders a deterministic human-readable explanation. It is a
// pure function of the consensus inputs, so identical cycles produce
// identical text.
func rationale(action market.Action, outcome consensus.Outcome, reg regime.Result, entry float64) string {
	return fmt.Sprintf("%s: %d-source weighted consensus score %.3f at %.2f in %s regime (threshold %.0f%%)",
		action, len(outcome.SourcesUsed), outcome.Score, entry, reg.Regime, reg.Threshold)
}
