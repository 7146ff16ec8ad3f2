// Package risk implements the pre-trade validation gate, dynamic position
// sizing and the global pause state they control.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
)

// Reason identifies the gate layer that rejected a trade.
type Reason string

const (
	ReasonNone                     Reason = ""
	ReasonTradingPaused            Reason = "TRADING_PAUSED"
	ReasonAccountBlocked           Reason = "ACCOUNT_BLOCKED"
	ReasonBelowMinConfidence       Reason = "BELOW_MIN_CONFIDENCE"
	ReasonMaxConcurrentPositions   Reason = "MAX_CONCURRENT_POSITIONS"
	ReasonSymbolDenied             Reason = "SYMBOL_DENIED"
	ReasonDailyLossLimit           Reason = "DAILY_LOSS_LIMIT"
	ReasonMaxDrawdown              Reason = "MAX_DRAWDOWN"
	ReasonInsufficientBuyingPower  Reason = "INSUFFICIENT_BUYING_POWER"
	ReasonExistingPositionSameSide Reason = "EXISTING_POSITION_SAME_SIDE"
	ReasonCorrelationLimit         Reason = "CORRELATION_LIMIT"
)

// Recoverable reports whether a rejection is eligible for the deferred
// queue. Only buying power recovers on its own as account state changes;
// the other reasons are logical and retrying them in a loop is noise.
func (r Reason) Recoverable() bool {
	return r == ReasonInsufficientBuyingPower
}

// Decision is the gate's verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  Reason `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Input carries everything a single validation needs. The gate reads
// snapshots passed in by the caller; it holds no per-trade state.
type Input struct {
	Signal    market.Signal
	Qty       float64
	Account   market.Account
	Positions []market.Position
}

// Gate is the seven-layer pre-trade validator. Beyond configuration it
// owns only the peak-equity watermark and a reference to the shared pause
// controller; account and position snapshots arrive with each call.
type Gate struct {
	cfg   config.RiskConfig
	pause *PauseController
	log   zerolog.Logger

	mu         sync.Mutex
	peakEquity float64
}

// NewGate creates a gate bound to the shared pause controller.
func NewGate(cfg config.RiskConfig, pause *PauseController) *Gate {
	return &Gate{cfg: cfg, pause: pause, log: config.NewLogger("risk_gate")}
}

// Validate runs the seven layers in order and stops at the first failure.
// Layers 3 and 4 additionally trip the global pause.
func (g *Gate) Validate(in Input) Decision {
	layers := []func(Input) Decision{
		g.accountStatus,
		g.profileRules,
		g.dailyLossLimit,
		g.drawdownProtection,
		g.buyingPower,
		g.existingPosition,
		g.correlationCap,
	}

	for _, layer := range layers {
		if d := layer(in); !d.Allowed {
			metrics.RiskRejections.WithLabelValues(string(d.Reason)).Inc()
			g.log.Warn().
				Str("symbol", in.Signal.Symbol).
				Str("reason", string(d.Reason)).
				Str("detail", d.Detail).
				Msg("Risk gate rejected trade")
			return d
		}
	}
	return Decision{Allowed: true}
}

// Layer 1: trading not paused, account not blocked.
func (g *Gate) accountStatus(in Input) Decision {
	if paused, reason := g.pause.Paused(); paused {
		return Decision{Reason: ReasonTradingPaused, Detail: reason}
	}
	if in.Account.Blocked {
		return Decision{Reason: ReasonAccountBlocked, Detail: "account blocked by broker"}
	}
	return Decision{Allowed: true}
}

// Layer 2: profile rules - min confidence, max positions, symbol lists.
func (g *Gate) profileRules(in Input) Decision {
	minConf := g.cfg.MinConfidence
	if g.cfg.Profile == "prop" && minConf < 82 {
		minConf = 82
	}
	if in.Signal.Confidence < minConf {
		return Decision{
			Reason: ReasonBelowMinConfidence,
			Detail: fmt.Sprintf("confidence %.1f below profile minimum %.1f", in.Signal.Confidence, minConf),
		}
	}

	if g.cfg.MaxConcurrentPositions > 0 && len(in.Positions) >= g.cfg.MaxConcurrentPositions {
		// An opposite-direction signal against an existing position is a
		// close, not a new exposure.
		if findPosition(in.Positions, in.Signal.Symbol) == nil {
			return Decision{
				Reason: ReasonMaxConcurrentPositions,
				Detail: fmt.Sprintf("%d positions open, limit %d", len(in.Positions), g.cfg.MaxConcurrentPositions),
			}
		}
	}

	if len(g.cfg.SymbolAllowList) > 0 && !contains(g.cfg.SymbolAllowList, in.Signal.Symbol) {
		return Decision{Reason: ReasonSymbolDenied, Detail: "symbol not on allow list"}
	}
	if contains(g.cfg.SymbolDenyList, in.Signal.Symbol) {
		return Decision{Reason: ReasonSymbolDenied, Detail: "symbol on deny list"}
	}
	return Decision{Allowed: true}
}

// Layer 3: daily loss limit. Tripping pauses trading until the next
// session boundary.
func (g *Gate) dailyLossLimit(in Input) Decision {
	if g.cfg.DailyLossLimitPct <= 0 {
		return Decision{Allowed: true}
	}
	if in.Account.DayPnLPct <= -g.cfg.DailyLossLimitPct {
		g.pause.Pause(string(ReasonDailyLossLimit), NextSessionBoundary(time.Now()))
		return Decision{
			Reason: ReasonDailyLossLimit,
			Detail: fmt.Sprintf("day P&L %.2f%% breaches limit %.2f%%",
				in.Account.DayPnLPct*100, g.cfg.DailyLossLimitPct*100),
		}
	}
	return Decision{Allowed: true}
}

// Layer 4: drawdown protection against the peak-equity watermark.
// Tripping pauses trading until an operator resumes.
func (g *Gate) drawdownProtection(in Input) Decision {
	g.mu.Lock()
	if in.Account.Equity > g.peakEquity {
		g.peakEquity = in.Account.Equity
	}
	peak := g.peakEquity
	g.mu.Unlock()

	if peak <= 0 || g.cfg.MaxDrawdownPct <= 0 {
		return Decision{Allowed: true}
	}

	drawdown := (peak - in.Account.Equity) / peak
	metrics.CurrentDrawdown.Set(drawdown)
	if drawdown > g.cfg.MaxDrawdownPct {
		g.pause.Pause(string(ReasonMaxDrawdown), time.Time{})
		return Decision{
			Reason: ReasonMaxDrawdown,
			Detail: fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", drawdown*100, g.cfg.MaxDrawdownPct*100),
		}
	}
	return Decision{Allowed: true}
}

// Layer 5: buying power with margin buffer.
func (g *Gate) buyingPower(in Input) Decision {
	required := in.Signal.EntryPrice * in.Qty
	available := in.Account.BuyingPower * (1 - g.cfg.MarginBufferPct)
	if required > available {
		return Decision{
			Reason: ReasonInsufficientBuyingPower,
			Detail: fmt.Sprintf("need %.2f, have %.2f after %.0f%% buffer",
				required, available, g.cfg.MarginBufferPct*100),
		}
	}
	return Decision{Allowed: true}
}

// Layer 6: no stacking onto a same-direction position. Opposite direction
// passes; the execution engine resolves it as close-or-flip.
func (g *Gate) existingPosition(in Input) Decision {
	pos := findPosition(in.Positions, in.Signal.Symbol)
	if pos == nil {
		return Decision{Allowed: true}
	}
	sameSide := (pos.Side == market.PositionLong && in.Signal.Action == market.ActionBuy) ||
		(pos.Side == market.PositionShort && in.Signal.Action == market.ActionSell)
	if sameSide {
		return Decision{
			Reason: ReasonExistingPositionSameSide,
			Detail: fmt.Sprintf("already %s %s", pos.Side, pos.Symbol),
		}
	}
	return Decision{Allowed: true}
}

// Layer 7: correlation cap across configured buckets.
func (g *Gate) correlationCap(in Input) Decision {
	if g.cfg.MaxCorrelatedPositions <= 0 || len(g.cfg.CorrelationBuckets) == 0 {
		return Decision{Allowed: true}
	}

	open := make(map[string]bool, len(in.Positions))
	for _, p := range in.Positions {
		open[p.Symbol] = true
	}

	for bucket, symbols := range g.cfg.CorrelationBuckets {
		if !contains(symbols, in.Signal.Symbol) {
			continue
		}
		count := 0
		for _, sym := range symbols {
			if open[sym] {
				count++
			}
		}
		if count >= g.cfg.MaxCorrelatedPositions {
			return Decision{
				Reason: ReasonCorrelationLimit,
				Detail: fmt.Sprintf("bucket %s already holds %d correlated positions", bucket, count),
			}
		}
	}
	return Decision{Allowed: true}
}

// PeakEquity returns the watermark, for the control surface.
func (g *Gate) PeakEquity() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peakEquity
}

func findPosition(positions []market.Position, symbol string) *market.Position {
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i]
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
