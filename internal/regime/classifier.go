// Package regime labels recent price action and derives the
// regime-adjusted confidence threshold used to gate signal emission.
package regime

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/indicators"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Classification cutoffs. Volatility is the standard deviation of simple
// returns over the lookback; trend is the short/long EMA divergence.
const (
	minBars          = 30
	volatileAbove    = 0.03 // 3% per-bar return stddev
	trendAbove       = 0.02 // 2% EMA divergence
	consolidateBelow = 2.0  // Bollinger width % of middle band
	emaShortPeriod   = 10
	emaLongPeriod    = 25
	bollingerPeriod  = 20
)

// Result is a classification with its derived gate.
type Result struct {
	Regime       market.Regime `json:"regime"`
	Threshold    float64       `json:"threshold"`
	Volatility   float64       `json:"volatility"`
	TrendStrength float64      `json:"trend_strength"`
}

// Classifier labels price series into the regime set and resolves the
// per-regime confidence threshold from configuration.
type Classifier struct {
	cfg config.RegimeConfig
	log zerolog.Logger
}

// NewClassifier creates a classifier with the given threshold config.
func NewClassifier(cfg config.RegimeConfig) *Classifier {
	return &Classifier{cfg: cfg, log: config.NewLogger("regime")}
}

// Classify labels the series. Precedence: a volatility spike dominates,
// then a directional trend, then a squeezed range; anything else is CHOP.
func (c *Classifier) Classify(symbol string, closes []float64) (Result, error) {
	if len(closes) < minBars {
		return Result{}, fmt.Errorf("insufficient history for %s: need %d bars, got %d", symbol, minBars, len(closes))
	}

	vol := RealizedVolatility(closes)

	emaShort, err := indicators.EMA(closes, emaShortPeriod)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute short EMA: %w", err)
	}
	emaLong, err := indicators.EMA(closes, emaLongPeriod)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute long EMA: %w", err)
	}
	trend := 0.0
	if emaLong != 0 {
		trend = (emaShort - emaLong) / emaLong
	}

	width, err := indicators.BollingerWidth(closes, bollingerPeriod)
	if err != nil {
		return Result{}, fmt.Errorf("failed to compute Bollinger width: %w", err)
	}

	var regime market.Regime
	switch {
	case vol > volatileAbove:
		regime = market.RegimeVolatile
	case math.Abs(trend) > trendAbove:
		regime = market.RegimeTrending
	case width < consolidateBelow:
		regime = market.RegimeConsolidation
	default:
		regime = market.RegimeChop
	}

	result := Result{
		Regime:        regime,
		Threshold:     c.cfg.RegimeThreshold(regime),
		Volatility:    vol,
		TrendStrength: trend,
	}

	c.log.Debug().
		Str("symbol", symbol).
		Str("regime", string(regime)).
		Float64("volatility", vol).
		Float64("trend", trend).
		Float64("bollinger_width", width).
		Float64("threshold", result.Threshold).
		Msg("Regime classified")

	return result, nil
}

// Threshold resolves the gate for a regime without classifying.
func (c *Classifier) Threshold(r market.Regime) float64 {
	return c.cfg.RegimeThreshold(r)
}

// RealizedVolatility computes the sample standard deviation of simple
// returns over the series. Shared with the position sizer's volatility
// loader.
func RealizedVolatility(closes []float64) float64 {
	returns := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 {
			returns = append(returns, (closes[i]-closes[i-1])/closes[i-1])
		}
	}
	if len(returns) < 2 {
		return 0
	}

	sum := 0.0
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		diff := r - mean
		variance += diff * diff
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}
