package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/regime"
)

func sig(dir market.Direction, conf float64) market.ProviderSignal {
	return market.ProviderSignal{Direction: dir, Confidence: conf}
}

func trending() regime.Result {
	return regime.Result{Regime: market.RegimeTrending, Threshold: 85}
}

func TestComputeUnanimousLong(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{
		"a": sig(market.DirectionLong, 90),
		"b": sig(market.DirectionLong, 80),
	}
	weights := map[string]float64{"a": 1, "b": 1}

	out := e.Compute("NVDA", signals, weights, trending())

	assert.Equal(t, market.DirectionLong, out.Direction)
	// S = 0.5*0.9 + 0.5*0.8 = 0.85; confidence = 85 * 1.10 = 93.5
	assert.InDelta(t, 0.85, out.Score, 1e-9)
	assert.InDelta(t, 93.5, out.Confidence, 1e-9)
	assert.Equal(t, []string{"a", "b"}, out.SourcesUsed)
}

func TestComputeWeightedDisagreement(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{
		"heavy": sig(market.DirectionShort, 90),
		"light": sig(market.DirectionLong, 90),
	}
	weights := map[string]float64{"heavy": 3, "light": 1}

	out := e.Compute("NVDA", signals, weights, trending())

	assert.Equal(t, market.DirectionShort, out.Direction)
	// S = 0.75*(-0.9) + 0.25*(0.9) = -0.45
	assert.InDelta(t, -0.45, out.Score, 1e-9)
}

func TestComputeNeutralCarriesNoVote(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{
		"quote": sig(market.DirectionNeutral, 95),
		"tech":  sig(market.DirectionLong, 80),
	}
	weights := map[string]float64{"quote": 1, "tech": 1}

	out := e.Compute("NVDA", signals, weights, trending())

	assert.Equal(t, market.DirectionLong, out.Direction)
	// Neutral dilutes the normalized weight but votes zero.
	assert.InDelta(t, 0.4, out.Score, 1e-9)
	assert.Contains(t, out.SourcesUsed, "quote")
}

func TestComputeExactTieIsNeutral(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{
		"a": sig(market.DirectionLong, 80),
		"b": sig(market.DirectionShort, 80),
	}
	weights := map[string]float64{"a": 1, "b": 1}

	out := e.Compute("NVDA", signals, weights, trending())

	assert.Equal(t, market.DirectionNeutral, out.Direction)
	assert.Zero(t, out.Confidence)
}

func TestComputeDropsQualityFailures(t *testing.T) {
	e := NewEngine()
	stale := sig(market.DirectionShort, 99)
	stale.Quality.Stale = true
	belowFloor := sig(market.DirectionShort, 10)
	belowFloor.Quality.OutOfBounds = true

	signals := map[string]market.ProviderSignal{
		"stale": stale,
		"floor": belowFloor,
		"good":  sig(market.DirectionLong, 80),
	}
	weights := map[string]float64{"stale": 5, "floor": 5, "good": 1}

	out := e.Compute("NVDA", signals, weights, trending())

	assert.Equal(t, market.DirectionLong, out.Direction)
	assert.Equal(t, []string{"good"}, out.SourcesUsed)
	assert.Equal(t, DropStale, out.Dropped["stale"])
	assert.Equal(t, DropBelowFloor, out.Dropped["floor"])
}

func TestComputeAllDropped(t *testing.T) {
	e := NewEngine()
	stale := sig(market.DirectionLong, 90)
	stale.Quality.Stale = true

	out := e.Compute("NVDA", map[string]market.ProviderSignal{"a": stale}, nil, trending())

	assert.Equal(t, market.DirectionNeutral, out.Direction)
	assert.Empty(t, out.SourcesUsed)
}

func TestComputeRegimeCalibration(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{"a": sig(market.DirectionLong, 100)}

	chop := e.Compute("NVDA", signals, nil, regime.Result{Regime: market.RegimeChop})
	trend := e.Compute("NVDA", signals, nil, trending())

	// Same score, different κ.
	assert.InDelta(t, 80.0, chop.Confidence, 1e-9)
	assert.InDelta(t, 100.0, trend.Confidence, 1e-9) // capped at 100
}

func TestComputeConfidenceCapped(t *testing.T) {
	e := NewEngineWithCalibration(map[market.Regime]float64{market.RegimeTrending: 5})
	signals := map[string]market.ProviderSignal{"a": sig(market.DirectionLong, 90)}

	out := e.Compute("NVDA", signals, nil, trending())
	assert.Equal(t, 100.0, out.Confidence)
}

func TestComputeMissingWeightDefaultsToOne(t *testing.T) {
	e := NewEngine()
	signals := map[string]market.ProviderSignal{
		"a": sig(market.DirectionLong, 60),
		"b": sig(market.DirectionLong, 60),
	}

	out := e.Compute("NVDA", signals, map[string]float64{}, trending())
	assert.InDelta(t, 0.6, out.Score, 1e-9)
}
