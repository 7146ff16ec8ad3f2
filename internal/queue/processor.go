package queue

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Store is the queue surface the processor drives; *Queue implements it.
type Store interface {
	ClaimNext(ctx context.Context, limit int) ([]market.QueuedSignal, error)
	Complete(ctx context.Context, signalID string, outcome market.QueueStatus) error
	Retry(ctx context.Context, signalID, reason string, nextAttempt time.Time) error
	Expire(ctx context.Context, signalID string) error
	Abandon(ctx context.Context, signalID, reason string) error
	Backoff(attempts int) time.Duration
}

// Executor submits signals; *execution.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
}

// PriceFunc fetches the current price for drift checks.
type PriceFunc func(ctx context.Context, symbol string) (float64, error)

// Processor re-validates and re-submits queued signals. It wakes on its
// own timer and on account-state transitions from the Monitor.
type Processor struct {
	store    Store
	executor Executor
	price    PriceFunc
	classes  map[string]market.AssetClass
	cfg      config.QueueConfig
	wake     <-chan struct{}
	log      zerolog.Logger
}

// NewProcessor creates a queue processor. classes maps symbols to asset
// classes for sizing on re-submission.
func NewProcessor(store Store, executor Executor, price PriceFunc, classes map[string]market.AssetClass, cfg config.QueueConfig, wake <-chan struct{}) *Processor {
	return &Processor{
		store:    store,
		executor: executor,
		price:    price,
		classes:  classes,
		cfg:      cfg,
		wake:     wake,
		log:      config.NewLogger("queue_processor"),
	}
}

// Run processes batches until the context is cancelled. In-flight items
// always reach a Complete/Retry/Expire/Abandon before the loop yields,
// so shutdown never strands claims.
func (p *Processor) Run(ctx context.Context) {
	interval := time.Duration(p.cfg.WakeIntervalS) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", interval).Msg("Queue processor started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("Queue processor stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.ProcessBatch(ctx)
	}
}

// ProcessBatch claims and disposes one batch of eligible signals.
func (p *Processor) ProcessBatch(ctx context.Context) {
	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}

	claimed, err := p.store.ClaimNext(ctx, batch)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to claim queued signals")
		return
	}

	for _, qs := range claimed {
		p.process(ctx, qs)
	}
}

// process disposes a single claimed signal.
func (p *Processor) process(ctx context.Context, qs market.QueuedSignal) {
	logger := p.log.With().Str("signal_id", qs.SignalID).Str("symbol", qs.Payload.Symbol).Logger()

	// Age gate: at or beyond max_queue_age the market has moved on.
	age := time.Since(qs.EnqueuedAt)
	if age >= p.cfg.MaxAge() {
		logger.Info().Dur("age", age).Msg("Queued signal expired by age")
		if err := p.store.Expire(ctx, qs.SignalID); err != nil {
			logger.Error().Err(err).Msg("Failed to expire queued signal")
		}
		return
	}

	// Attempt budget: this claim is attempt N+1.
	if qs.Attempts+1 > p.cfg.MaxAttempts {
		logger.Warn().Int("attempts", qs.Attempts).Msg("Queued signal abandoned after max attempts")
		if err := p.store.Abandon(ctx, qs.SignalID, "max attempts exhausted"); err != nil {
			logger.Error().Err(err).Msg("Failed to abandon queued signal")
		}
		return
	}

	// Price drift gate.
	if p.price != nil {
		current, err := p.price(ctx, qs.Payload.Symbol)
		if err != nil {
			logger.Warn().Err(err).Msg("Price check failed, requeueing")
			p.requeue(ctx, qs, "price check failed")
			return
		}
		drift := math.Abs(current-qs.Payload.EntryPrice) / qs.Payload.EntryPrice
		if drift > p.cfg.MaxPriceDrift {
			logger.Info().
				Float64("drift", drift).
				Float64("entry", qs.Payload.EntryPrice).
				Float64("current", current).
				Msg("Queued signal expired by price drift")
			if err := p.store.Expire(ctx, qs.SignalID); err != nil {
				logger.Error().Err(err).Msg("Failed to expire queued signal")
			}
			return
		}
	}

	// Re-run the full gate and submit. The engine must not re-enqueue on
	// failure; disposal stays here where backoff is tracked.
	result, err := p.executor.Execute(ctx, execution.Request{
		Signal:         qs.Payload,
		Class:          p.classes[qs.Payload.Symbol],
		DisableEnqueue: true,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Deferred execution attempt failed")
		p.requeue(ctx, qs, err.Error())
		return
	}

	switch result.Outcome {
	case execution.OutcomeOpened, execution.OutcomeClosed, execution.OutcomeFlipped, execution.OutcomeDuplicate:
		logger.Info().Str("outcome", string(result.Outcome)).Msg("Deferred signal executed")
		if err := p.store.Complete(ctx, qs.SignalID, market.QueueFilled); err != nil {
			logger.Error().Err(err).Msg("Failed to complete queued signal")
		}
	case execution.OutcomeRejected:
		if !isRecoverableReason(result.Reason) {
			logger.Info().Str("reason", result.Reason).Msg("Deferred signal abandoned on logical rejection")
			if err := p.store.Abandon(ctx, qs.SignalID, result.Reason); err != nil {
				logger.Error().Err(err).Msg("Failed to abandon queued signal")
			}
			return
		}
		p.requeue(ctx, qs, result.Reason)
	default:
		p.requeue(ctx, qs, result.Reason)
	}
}

// requeue returns the signal to PENDING with exponential backoff.
func (p *Processor) requeue(ctx context.Context, qs market.QueuedSignal, reason string) {
	next := time.Now().Add(p.store.Backoff(qs.Attempts + 1))
	if err := p.store.Retry(ctx, qs.SignalID, reason, next); err != nil {
		p.log.Error().Err(err).Str("signal_id", qs.SignalID).Msg("Failed to requeue signal")
	}
}

// isRecoverableReason reports which reasons, arriving as strings on
// execution results, keep a queued signal pending. It is the broker's
// queue-eligible set plus TRADING_PAUSED: a queued signal waits out a
// pause, and the monitor wakes the processor when the pause lifts.
func isRecoverableReason(reason string) bool {
	switch reason {
	case "INSUFFICIENT_BUYING_POWER", "MARKET_CLOSED", "RATE_LIMITED", "UPSTREAM_5XX", "TRADING_PAUSED":
		return true
	}
	return false
}
