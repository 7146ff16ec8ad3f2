// Package execution resolves signal intent against existing positions and
// drives order submission with protective brackets, retries and deferred
// re-queueing.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/broker"
	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
	"github.com/tradeflux/tradeflux/internal/risk"
)

// statusPollInterval paces order status polling within the deadline.
const statusPollInterval = 200 * time.Millisecond

// Enqueuer accepts rejected-but-recoverable signals for deferred retry.
type Enqueuer interface {
	Enqueue(ctx context.Context, qs market.QueuedSignal) error
}

// EventSink receives execution lifecycle events.
type EventSink interface {
	PublishEvent(ctx context.Context, event Event) error
}

// OutcomeRecorder persists append-only outcome records keyed on signal id.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, signalID, kind string, pnl float64, detail string) error
}

// VolSource supplies realized volatility for position sizing.
type VolSource interface {
	Get(ctx context.Context, symbol string) (float64, error)
}

// Event types emitted by the engine.
const (
	EventSignalRejected    = "SIGNAL_REJECTED"
	EventTradeOpened       = "TRADE_OPENED"
	EventTradeClosed       = "TRADE_CLOSED"
	EventBracketIncomplete = "BRACKET_INCOMPLETE"
)

// Event is one execution lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	SignalID  string    `json:"signal_id"`
	Symbol    string    `json:"symbol"`
	Reason    string    `json:"reason,omitempty"`
	Qty       float64   `json:"qty,omitempty"`
	Price     float64   `json:"price,omitempty"`
	PnL       float64   `json:"pnl,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is one execution attempt.
type Request struct {
	Signal market.Signal
	Class  market.AssetClass

	// DisableEnqueue suppresses deferred re-queueing; the queue processor
	// sets it so retries cannot loop back into the queue.
	DisableEnqueue bool
}

// Outcome classifies the result of an execution attempt.
type Outcome string

const (
	OutcomeOpened    Outcome = "OPENED"
	OutcomeClosed    Outcome = "CLOSED"
	OutcomeFlipped   Outcome = "FLIPPED"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeEnqueued  Outcome = "ENQUEUED"
	OutcomeDuplicate Outcome = "DUPLICATE"
)

// Result reports what an execution attempt did.
type Result struct {
	Outcome Outcome
	OrderID string
	Reason  string
}

// Config holds engine tunables.
type Config struct {
	OrderDeadline  time.Duration
	MaxRetries     int
	BaseRetryDelay time.Duration
	AllowFlip      bool
}

// Engine is the broker-facing executor. Order submission within one
// Execute call is sequential: main first, then both bracket children
// concurrently once the main order is accepted.
type Engine struct {
	broker   broker.Broker
	gate     *risk.Gate
	sizer    *risk.Sizer
	vol      VolSource
	queue    Enqueuer
	events   EventSink
	outcomes OutcomeRecorder
	cfg      Config
	log      zerolog.Logger

	mu        sync.Mutex
	submitted map[string]bool // signal_id -> main order produced
}

// NewEngine creates an execution engine. queue, events and outcomes may be
// nil; the corresponding steps become no-ops.
func NewEngine(b broker.Broker, gate *risk.Gate, sizer *risk.Sizer, vol VolSource, queue Enqueuer, events EventSink, outcomes OutcomeRecorder, cfg Config) *Engine {
	if cfg.OrderDeadline <= 0 {
		cfg.OrderDeadline = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 500 * time.Millisecond
	}
	return &Engine{
		broker:    b,
		gate:      gate,
		sizer:     sizer,
		vol:       vol,
		queue:     queue,
		events:    events,
		outcomes:  outcomes,
		cfg:       cfg,
		log:       config.NewLogger("execution"),
		submitted: make(map[string]bool),
	}
}

// Execute runs one signal through intent resolution, risk validation and
// order submission. It is idempotent on signal_id: at most one main order
// is ever produced per signal.
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	sig := req.Signal

	e.mu.Lock()
	if e.submitted[sig.SignalID] {
		e.mu.Unlock()
		e.log.Debug().Str("signal_id", sig.SignalID).Msg("Duplicate execution suppressed")
		return Result{Outcome: OutcomeDuplicate}, nil
	}
	e.mu.Unlock()

	pos, err := e.broker.GetPosition(ctx, sig.Symbol)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve position for %s: %w", sig.Symbol, err)
	}

	// Intent resolution against the current position.
	if pos != nil {
		sameSide := (pos.Side == market.PositionLong && sig.Action == market.ActionBuy) ||
			(pos.Side == market.PositionShort && sig.Action == market.ActionSell)
		if sameSide {
			e.emit(ctx, Event{
				Type: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
				Reason: string(risk.ReasonExistingPositionSameSide), Timestamp: time.Now().UTC(),
			})
			return Result{Outcome: OutcomeRejected, Reason: string(risk.ReasonExistingPositionSameSide)}, nil
		}
		return e.closeAndMaybeFlip(ctx, req, *pos)
	}

	return e.open(ctx, req)
}

// open validates, sizes and submits a fresh entry with its bracket.
func (e *Engine) open(ctx context.Context, req Request) (Result, error) {
	sig := req.Signal

	account, err := e.broker.GetAccount(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch account: %w", err)
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch positions: %w", err)
	}

	assetVol, portfolioVol := e.volatilities(ctx, sig.Symbol, positions)

	qty, err := e.sizer.Size(sig, account, req.Class, assetVol, portfolioVol)
	if err != nil {
		e.emit(ctx, Event{
			Type: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Reason: "SIZED_TO_ZERO", Timestamp: time.Now().UTC(),
		})
		return Result{Outcome: OutcomeRejected, Reason: "SIZED_TO_ZERO"}, nil
	}

	decision := e.gate.Validate(risk.Input{Signal: sig, Qty: qty, Account: account, Positions: positions})
	if !decision.Allowed {
		e.emit(ctx, Event{
			Type: EventSignalRejected, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Reason: string(decision.Reason), Timestamp: time.Now().UTC(),
		})
		if decision.Reason.Recoverable() && !req.DisableEnqueue {
			if err := e.enqueue(ctx, sig, string(decision.Reason)); err == nil {
				return Result{Outcome: OutcomeEnqueued, Reason: string(decision.Reason)}, nil
			}
		}
		return Result{Outcome: OutcomeRejected, Reason: string(decision.Reason)}, nil
	}

	side := market.OrderSideBuy
	if sig.Action == market.ActionSell {
		side = market.OrderSideSell
	}

	order, err := e.submitMain(ctx, sig, side, qty)
	if err != nil {
		var res Result
		reason := broker.ReasonOf(err)
		if reason.QueueEligible() && !req.DisableEnqueue {
			if qerr := e.enqueue(ctx, sig, string(reason)); qerr == nil {
				res = Result{Outcome: OutcomeEnqueued, Reason: string(reason)}
				return res, nil
			}
		}
		return Result{Outcome: OutcomeRejected, Reason: string(reason)}, err
	}

	// Bracket children only after the main order is live.
	e.placeBracket(ctx, sig, qty)

	e.invalidateCaches()
	e.emit(ctx, Event{
		Type: EventTradeOpened, SignalID: sig.SignalID, Symbol: sig.Symbol,
		Qty: qty, Price: order.FillPrice, Timestamp: time.Now().UTC(),
	})
	e.recordOutcome(ctx, sig.SignalID, string(OutcomeOpened), 0,
		fmt.Sprintf("opened %s %v @ %v", sig.Action, qty, sig.EntryPrice))
	metrics.TradesOpened.Inc()

	return Result{Outcome: OutcomeOpened, OrderID: order.OrderID}, nil
}

// closeAndMaybeFlip closes an opposite-direction position and, when flips
// are enabled, opens the new direction sized against fresh account state.
func (e *Engine) closeAndMaybeFlip(ctx context.Context, req Request, pos market.Position) (Result, error) {
	sig := req.Signal

	closeSide := market.OrderSideSell
	if pos.Side == market.PositionShort {
		closeSide = market.OrderSideBuy
	}

	order, err := e.submitMain(ctx, sig, closeSide, pos.Qty)
	if err != nil {
		return Result{Outcome: OutcomeRejected, Reason: string(broker.ReasonOf(err))}, err
	}

	// Realized P&L comes from broker fills, not from signal fields.
	var pnl float64
	if order.FillPrice > 0 {
		if pos.Side == market.PositionLong {
			pnl = (order.FillPrice - pos.EntryPrice) * pos.Qty
		} else {
			pnl = (pos.EntryPrice - order.FillPrice) * pos.Qty
		}
	}

	e.invalidateCaches()
	e.emit(ctx, Event{
		Type: EventTradeClosed, SignalID: sig.SignalID, Symbol: sig.Symbol,
		Qty: pos.Qty, Price: order.FillPrice, PnL: pnl, Timestamp: time.Now().UTC(),
	})
	e.recordOutcome(ctx, sig.SignalID, string(OutcomeClosed), pnl,
		fmt.Sprintf("closed %s %v", pos.Side, pos.Qty))
	metrics.TradesClosed.Inc()

	if !e.cfg.AllowFlip {
		return Result{Outcome: OutcomeClosed, OrderID: order.OrderID}, nil
	}

	// Flip: the close consumed this signal's idempotency slot, so clear it
	// for the entry leg; the duplicate guard still holds across Execute
	// calls because the position now matches the signal direction.
	e.mu.Lock()
	delete(e.submitted, sig.SignalID)
	e.mu.Unlock()

	res, err := e.open(ctx, req)
	if err != nil {
		return res, fmt.Errorf("flip entry failed after close: %w", err)
	}
	if res.Outcome == OutcomeOpened {
		res.Outcome = OutcomeFlipped
	}
	return res, nil
}

// submitMain submits the main order with retries and polls it to a live
// status. Marks the signal id as consumed on successful submission.
func (e *Engine) submitMain(ctx context.Context, sig market.Signal, side market.OrderSide, qty float64) (market.Order, error) {
	order := market.Order{
		Symbol: sig.Symbol,
		Side:   side,
		Qty:    qty,
		Type:   market.OrderTypeMarket,
	}

	var orderID string
	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= e.cfg.MaxRetries; attempt++ {
		id, err := e.broker.SubmitOrder(ctx, order)
		if err == nil {
			orderID = id
			lastErr = nil
			break
		}
		lastErr = err

		reason := broker.ReasonOf(err)
		if !reason.Retryable() || attempt == e.cfg.MaxRetries {
			break
		}

		delay := e.cfg.BaseRetryDelay * (1 << (attempt - 1))
		e.log.Warn().
			Err(err).
			Str("symbol", sig.Symbol).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Main order submission failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return market.Order{}, ctx.Err()
		}
	}

	metrics.OrderLatency.Observe(time.Since(start).Seconds())

	if lastErr != nil {
		metrics.OrdersSubmitted.WithLabelValues(metrics.OrderOutcomeRejected).Inc()
		return market.Order{}, lastErr
	}

	e.mu.Lock()
	e.submitted[sig.SignalID] = true
	e.mu.Unlock()

	final, err := e.awaitOrder(ctx, orderID)
	if err != nil {
		return market.Order{}, err
	}

	switch final.Status {
	case market.OrderStatusRejected, market.OrderStatusCanceled:
		metrics.OrdersSubmitted.WithLabelValues(metrics.OrderOutcomeRejected).Inc()
		return market.Order{}, broker.NewRejectError(broker.RejectOther,
			fmt.Errorf("main order %s ended %s", orderID, final.Status))
	case market.OrderStatusFilled:
		metrics.OrdersSubmitted.WithLabelValues(metrics.OrderOutcomeFilled).Inc()
	default:
		metrics.OrdersSubmitted.WithLabelValues(metrics.OrderOutcomeAccepted).Inc()
	}

	return final, nil
}

// awaitOrder polls order status until it is live (accepted or terminal)
// or the deadline passes; on deadline the last observed state is returned.
func (e *Engine) awaitOrder(ctx context.Context, orderID string) (market.Order, error) {
	deadline := time.Now().Add(e.cfg.OrderDeadline)
	var last market.Order
	var lastErr error

	for {
		last, lastErr = e.broker.GetOrderStatus(ctx, orderID)
		if lastErr == nil {
			switch last.Status {
			case market.OrderStatusAccepted, market.OrderStatusPartiallyFilled,
				market.OrderStatusFilled, market.OrderStatusRejected, market.OrderStatusCanceled:
				return last, nil
			}
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				metrics.OrdersSubmitted.WithLabelValues(metrics.OrderOutcomeTimeout).Inc()
				return market.Order{}, fmt.Errorf("order %s status unresolved at deadline: %w", orderID, lastErr)
			}
			return last, nil
		}

		select {
		case <-time.After(statusPollInterval):
		case <-ctx.Done():
			return market.Order{}, ctx.Err()
		}
	}
}

// placeBracket places the stop and target legs concurrently. Each leg is
// independent; a failed leg is retried once, and a still-missing leg is
// surfaced as BRACKET_INCOMPLETE.
func (e *Engine) placeBracket(ctx context.Context, sig market.Signal, qty float64) {
	childSide := market.OrderSideSell
	if sig.Action == market.ActionSell {
		childSide = market.OrderSideBuy
	}

	type leg struct {
		name  string
		place func() error
	}
	legs := []leg{
		{name: "stop", place: func() error {
			_, err := e.broker.PlaceStop(ctx, sig.Symbol, childSide, sig.StopPrice, qty)
			return err
		}},
		{name: "target", place: func() error {
			_, err := e.broker.PlaceTarget(ctx, sig.Symbol, childSide, sig.TargetPrice, qty)
			return err
		}},
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var missing []string

	for _, l := range legs {
		wg.Add(1)
		go func(l leg) {
			defer wg.Done()
			err := l.place()
			if err != nil {
				// One retry for the missing leg.
				err = l.place()
			}
			if err != nil {
				mu.Lock()
				missing = append(missing, l.name)
				mu.Unlock()
				e.log.Warn().
					Err(err).
					Str("symbol", sig.Symbol).
					Str("leg", l.name).
					Msg("Bracket leg placement failed after retry")
			}
		}(l)
	}
	wg.Wait()

	if len(missing) > 0 {
		metrics.BracketIncomplete.Inc()
		e.emit(ctx, Event{
			Type: EventBracketIncomplete, SignalID: sig.SignalID, Symbol: sig.Symbol,
			Reason: fmt.Sprintf("missing legs: %v", missing), Timestamp: time.Now().UTC(),
		})
	}
}

// enqueue hands a recoverable rejection to the deferred queue.
func (e *Engine) enqueue(ctx context.Context, sig market.Signal, reason string) error {
	if e.queue == nil {
		return errors.New("no queue configured")
	}
	qs := market.QueuedSignal{
		SignalID:        sig.SignalID,
		Payload:         sig,
		EnqueuedAt:      time.Now().UTC(),
		LastErrorReason: reason,
		Status:          market.QueuePending,
	}
	if err := e.queue.Enqueue(ctx, qs); err != nil {
		e.log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("Failed to enqueue rejected signal")
		return err
	}
	e.log.Info().
		Str("signal_id", sig.SignalID).
		Str("reason", reason).
		Msg("Signal deferred to retry queue")
	return nil
}

// volatilities resolves the asset and average portfolio volatility.
func (e *Engine) volatilities(ctx context.Context, symbol string, positions []market.Position) (float64, float64) {
	if e.vol == nil {
		return 0, 0
	}
	assetVol, err := e.vol.Get(ctx, symbol)
	if err != nil {
		e.log.Debug().Err(err).Str("symbol", symbol).Msg("No volatility available, sizing without vol multiplier")
		return 0, 0
	}

	if len(positions) == 0 {
		return assetVol, assetVol
	}
	var sum float64
	var n int
	for _, p := range positions {
		v, err := e.vol.Get(ctx, p.Symbol)
		if err != nil {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return assetVol, assetVol
	}
	return assetVol, sum / float64(n)
}

// invalidateCaches drops broker caches after a trade when the broker is
// the caching decorator.
func (e *Engine) invalidateCaches() {
	if cb, ok := e.broker.(*broker.CachedBroker); ok {
		cb.Invalidate()
	}
}

func (e *Engine) emit(ctx context.Context, event Event) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishEvent(ctx, event); err != nil {
		e.log.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish execution event")
	}
}

func (e *Engine) recordOutcome(ctx context.Context, signalID, kind string, pnl float64, detail string) {
	if e.outcomes == nil {
		return
	}
	if err := e.outcomes.RecordOutcome(ctx, signalID, kind, pnl, detail); err != nil {
		e.log.Warn().Err(err).Str("signal_id", signalID).Msg("Failed to record outcome")
	}
}
