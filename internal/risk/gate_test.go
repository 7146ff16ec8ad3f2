package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

func gateConfig() config.RiskConfig {
	return config.RiskConfig{
		Profile:                "standard",
		MinConfidence:          75,
		MaxConcurrentPositions: 3,
		DailyLossLimitPct:      0.03,
		MaxDrawdownPct:         0.10,
		MarginBufferPct:        0.05,
		PositionSizePct:        0.10,
		MaxPositionSizePct:     0.15,
		MaxCorrelatedPositions: 2,
		CorrelationBuckets: map[string][]string{
			"semis": {"NVDA", "AMD", "INTC"},
		},
	}
}

func gateInput() Input {
	return Input{
		Signal: market.Signal{
			Symbol:      "NVDA",
			Action:      market.ActionBuy,
			EntryPrice:  450,
			TargetPrice: 472.5,
			StopPrice:   436.5,
			Confidence:  88.5,
			Rationale:   "test signal rationale, long enough",
		},
		Qty: 33,
		Account: market.Account{
			Equity:      100_000,
			BuyingPower: 100_000,
			DayPnLPct:   0,
		},
	}
}

func newGate(t *testing.T) (*Gate, *PauseController) {
	t.Helper()
	pause := NewPauseController()
	return NewGate(gateConfig(), pause), pause
}

func TestGateAllowsCleanTrade(t *testing.T) {
	g, _ := newGate(t)
	d := g.Validate(gateInput())
	require.True(t, d.Allowed)
	assert.Equal(t, ReasonNone, d.Reason)
}

func TestGateLayer1AccountStatus(t *testing.T) {
	t.Run("global pause", func(t *testing.T) {
		g, pause := newGate(t)
		pause.Pause("manual", time.Time{})
		d := g.Validate(gateInput())
		assert.False(t, d.Allowed)
		assert.Equal(t, ReasonTradingPaused, d.Reason)
	})

	t.Run("blocked account", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Account.Blocked = true
		d := g.Validate(in)
		assert.Equal(t, ReasonAccountBlocked, d.Reason)
	})

	t.Run("timed pause expires", func(t *testing.T) {
		g, pause := newGate(t)
		pause.Pause("manual", time.Now().Add(-time.Second))
		d := g.Validate(gateInput())
		assert.True(t, d.Allowed)
	})
}

func TestGateLayer2ProfileRules(t *testing.T) {
	t.Run("below min confidence", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Signal.Confidence = 70
		d := g.Validate(in)
		assert.Equal(t, ReasonBelowMinConfidence, d.Reason)
	})

	t.Run("prop profile raises floor to 82", func(t *testing.T) {
		cfg := gateConfig()
		cfg.Profile = "prop"
		cfg.MinConfidence = 75
		g := NewGate(cfg, NewPauseController())
		in := gateInput()
		in.Signal.Confidence = 80
		d := g.Validate(in)
		assert.Equal(t, ReasonBelowMinConfidence, d.Reason)
	})

	t.Run("max concurrent positions", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Positions = []market.Position{
			{Symbol: "AAPL", Side: market.PositionLong, Qty: 1},
			{Symbol: "MSFT", Side: market.PositionLong, Qty: 1},
			{Symbol: "GOOG", Side: market.PositionLong, Qty: 1},
		}
		d := g.Validate(in)
		assert.Equal(t, ReasonMaxConcurrentPositions, d.Reason)
	})

	t.Run("position limit does not block a close", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Signal.Action = market.ActionSell
		in.Signal.TargetPrice = 441
		in.Signal.StopPrice = 459
		in.Positions = []market.Position{
			{Symbol: "NVDA", Side: market.PositionLong, Qty: 10},
			{Symbol: "MSFT", Side: market.PositionLong, Qty: 1},
			{Symbol: "GOOG", Side: market.PositionLong, Qty: 1},
		}
		d := g.Validate(in)
		assert.True(t, d.Allowed)
	})

	t.Run("deny list", func(t *testing.T) {
		cfg := gateConfig()
		cfg.SymbolDenyList = []string{"NVDA"}
		g := NewGate(cfg, NewPauseController())
		d := g.Validate(gateInput())
		assert.Equal(t, ReasonSymbolDenied, d.Reason)
	})

	t.Run("allow list excludes others", func(t *testing.T) {
		cfg := gateConfig()
		cfg.SymbolAllowList = []string{"AAPL"}
		g := NewGate(cfg, NewPauseController())
		d := g.Validate(gateInput())
		assert.Equal(t, ReasonSymbolDenied, d.Reason)
	})
}

func TestGateLayer3DailyLossPausesTrading(t *testing.T) {
	g, pause := newGate(t)
	in := gateInput()
	in.Account.DayPnLPct = -0.035

	d := g.Validate(in)
	assert.Equal(t, ReasonDailyLossLimit, d.Reason)

	paused, reason := pause.Paused()
	assert.True(t, paused)
	assert.Equal(t, string(ReasonDailyLossLimit), reason)
	// The pause extends to the next session boundary.
	assert.False(t, pause.Until().IsZero())
}

func TestGateLayer4DrawdownPausesTrading(t *testing.T) {
	g, pause := newGate(t)

	// Establish the peak.
	in := gateInput()
	in.Account.Equity = 120_000
	require.True(t, g.Validate(in).Allowed)
	assert.Equal(t, 120_000.0, g.PeakEquity())

	// 15% off the peak breaches the 10% limit.
	in.Account.Equity = 102_000
	d := g.Validate(in)
	assert.Equal(t, ReasonMaxDrawdown, d.Reason)

	paused, _ := pause.Paused()
	assert.True(t, paused)
	// A drawdown pause has no automatic expiry.
	assert.True(t, pause.Until().IsZero())
}

func TestGateLayer5BuyingPower(t *testing.T) {
	g, _ := newGate(t)
	in := gateInput()
	// 33 * 450 = 14850 required; 15000 * 0.95 = 14250 available.
	in.Account.BuyingPower = 15_000

	d := g.Validate(in)
	assert.Equal(t, ReasonInsufficientBuyingPower, d.Reason)
	assert.True(t, d.Reason.Recoverable())
}

func TestGateLayer6ExistingPosition(t *testing.T) {
	t.Run("same side rejected", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Positions = []market.Position{{Symbol: "NVDA", Side: market.PositionLong, Qty: 10}}
		d := g.Validate(in)
		assert.Equal(t, ReasonExistingPositionSameSide, d.Reason)
		assert.False(t, d.Reason.Recoverable())
	})

	t.Run("opposite side passes through", func(t *testing.T) {
		g, _ := newGate(t)
		in := gateInput()
		in.Signal.Action = market.ActionSell
		in.Signal.TargetPrice = 441
		in.Signal.StopPrice = 459
		in.Positions = []market.Position{{Symbol: "NVDA", Side: market.PositionLong, Qty: 10}}
		d := g.Validate(in)
		assert.True(t, d.Allowed)
	})
}

func TestGateLayer7CorrelationCap(t *testing.T) {
	g, _ := newGate(t)
	in := gateInput()
	in.Positions = []market.Position{
		{Symbol: "AMD", Side: market.PositionLong, Qty: 5},
		{Symbol: "INTC", Side: market.PositionLong, Qty: 5},
	}
	d := g.Validate(in)
	assert.Equal(t, ReasonCorrelationLimit, d.Reason)
}

func TestGateLayerOrder(t *testing.T) {
	// A paused system reports TRADING_PAUSED even when later layers would
	// also fail.
	g, pause := newGate(t)
	pause.Pause("manual", time.Time{})
	in := gateInput()
	in.Signal.Confidence = 10
	in.Account.BuyingPower = 0

	d := g.Validate(in)
	assert.Equal(t, ReasonTradingPaused, d.Reason)
}

func TestNextSessionBoundary(t *testing.T) {
	now := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	next := NextSessionBoundary(now)
	assert.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), next)
}
