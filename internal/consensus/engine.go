// Package consensus fuses per-provider directional votes into a single
// direction with a calibrated confidence score.
package consensus

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/regime"
)

// DropReason explains why a provider signal was excluded from the vote.
type DropReason string

const (
	DropStale      DropReason = "stale"
	DropBelowFloor DropReason = "below_floor"
	DropIncomplete DropReason = "incomplete"
)

// Outcome is the fused decision for one (symbol, cycle).
type Outcome struct {
	Direction   market.Direction      `json:"direction"`
	Confidence  float64               `json:"confidence"`
	Score       float64               `json:"score"`
	SourcesUsed []string              `json:"sources_used"`
	Dropped     map[string]DropReason `json:"dropped,omitempty"`
}

// defaultCalibration is the per-regime confidence calibration factor κ.
// Trending markets earn a boost, chop is damped.
var defaultCalibration = map[market.Regime]float64{
	market.RegimeTrending:      1.10,
	market.RegimeConsolidation: 0.90,
	market.RegimeVolatile:      0.95,
	market.RegimeChop:          0.80,
}

// Engine computes weighted consensus. It is stateless beyond its
// calibration table; weights arrive with each call.
type Engine struct {
	calibration map[market.Regime]float64
	log         zerolog.Logger
}

// NewEngine creates an engine with the default calibration table.
func NewEngine() *Engine {
	return NewEngineWithCalibration(nil)
}

// NewEngineWithCalibration creates an engine with a custom κ table; nil
// entries fall back to the defaults.
func NewEngineWithCalibration(calibration map[market.Regime]float64) *Engine {
	table := make(map[market.Regime]float64, len(defaultCalibration))
	for r, k := range defaultCalibration {
		table[r] = k
	}
	for r, k := range calibration {
		table[r] = k
	}
	return &Engine{calibration: table, log: config.NewLogger("consensus")}
}

// Compute fuses the provider signals under the given weights and regime.
//
//  1. Signals failing quality gates are dropped.
//  2. Weights are normalized over the survivors.
//  3. S = Σ wᵢ·dirᵢ·(confᵢ/100); direction is the sign of S.
//  4. Confidence = min(100, |S|·100·κ(regime)).
//
// An exact zero score ties to NEUTRAL.
func (e *Engine) Compute(symbol string, signals map[string]market.ProviderSignal, weights map[string]float64, reg regime.Result) Outcome {
	out := Outcome{
		Direction: market.DirectionNeutral,
		Dropped:   make(map[string]DropReason),
	}

	kept := make(map[string]market.ProviderSignal, len(signals))
	for id, sig := range signals {
		switch {
		case sig.Quality.Stale:
			out.Dropped[id] = DropStale
		case sig.Quality.OutOfBounds:
			out.Dropped[id] = DropBelowFloor
		case sig.Quality.Incomplete || sig.Direction == "":
			out.Dropped[id] = DropIncomplete
		default:
			kept[id] = sig
		}
	}
	if len(kept) == 0 {
		return out
	}

	var totalWeight float64
	for id := range kept {
		w := weights[id]
		if w <= 0 {
			w = 1
		}
		totalWeight += w
	}

	var score float64
	for id, sig := range kept {
		w := weights[id]
		if w <= 0 {
			w = 1
		}
		score += (w / totalWeight) * sig.Direction.Vote() * (sig.Confidence / 100)
		out.SourcesUsed = append(out.SourcesUsed, id)
	}
	sort.Strings(out.SourcesUsed)

	out.Score = score
	switch {
	case score > 0:
		out.Direction = market.DirectionLong
	case score < 0:
		out.Direction = market.DirectionShort
	default:
		// Tie: reject as NEUTRAL.
		return out
	}

	kappa, ok := e.calibration[reg.Regime]
	if !ok {
		kappa = 1.0
	}
	out.Confidence = math.Min(100, math.Abs(score)*100*kappa)

	e.log.Debug().
		Str("symbol", symbol).
		Float64("score", score).
		Str("direction", string(out.Direction)).
		Float64("confidence", out.Confidence).
		Str("regime", string(reg.Regime)).
		Int("sources", len(out.SourcesUsed)).
		Int("dropped", len(out.Dropped)).
		Msg("Consensus computed")

	return out
}
