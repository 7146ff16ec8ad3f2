package risk

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Confidence multiplier anchors: 1.0 at 75% confidence, 1.5 at 100%.
const (
	confAnchor = 75.0
	confSpan   = 25.0
	confBoost  = 0.5
	volMultCap = 1.5
)

// cryptoQtyPrecision bounds fractional crypto quantities to 6 decimals.
const cryptoQtyPrecision = 1e6

// Sizer computes order quantity from equity, confidence, volatility and
// the configured caps. It is a pure function of its inputs; volatility
// figures are supplied by the caller (see VolatilityCache).
type Sizer struct {
	cfg config.RiskConfig
	log zerolog.Logger
}

// NewSizer creates a position sizer.
func NewSizer(cfg config.RiskConfig) *Sizer {
	return &Sizer{cfg: cfg, log: config.NewLogger("position_sizer")}
}

// Size computes the order quantity for a signal.
//
//	base      = equity · position_size_pct
//	conf_mult = 1.0 + ((confidence − 75) / 25) · 0.5
//	vol_mult  = min(portfolio_vol / asset_vol, 1.5)
//	nominal   = min(base · conf_mult · vol_mult, equity · max_position_size_pct)
//
// Equities round down to whole shares and reject below one share; crypto
// quantities are fractional and reject below the minimum notional.
func (s *Sizer) Size(sig market.Signal, account market.Account, class market.AssetClass, assetVol, portfolioVol float64) (float64, error) {
	if sig.EntryPrice <= 0 {
		return 0, fmt.Errorf("entry price must be positive, got %v", sig.EntryPrice)
	}

	base := account.Equity * s.cfg.PositionSizePct
	confMult := 1.0 + ((sig.Confidence - confAnchor) / confSpan * confBoost)

	volMult := 1.0
	if assetVol > 0 && portfolioVol > 0 {
		volMult = math.Min(portfolioVol/assetVol, volMultCap)
	}

	nominal := base * confMult * volMult
	cap := account.Equity * s.cfg.MaxPositionSizePct
	if nominal > cap {
		nominal = cap
	}

	var qty float64
	switch class {
	case market.AssetClassCrypto:
		qty = math.Floor(nominal/sig.EntryPrice*cryptoQtyPrecision) / cryptoQtyPrecision
		if qty*sig.EntryPrice < s.cfg.MinCryptoNotional {
			return 0, fmt.Errorf("notional %.2f below minimum %.2f for %s",
				qty*sig.EntryPrice, s.cfg.MinCryptoNotional, sig.Symbol)
		}
	default:
		qty = math.Floor(nominal / sig.EntryPrice)
		if qty < 1 {
			return 0, fmt.Errorf("sized below one share for %s (nominal %.2f at %.2f)",
				sig.Symbol, nominal, sig.EntryPrice)
		}
	}

	s.log.Debug().
		Str("symbol", sig.Symbol).
		Float64("base", base).
		Float64("conf_mult", confMult).
		Float64("vol_mult", volMult).
		Float64("nominal", nominal).
		Float64("qty", qty).
		Msg("Position sized")

	return qty, nil
}
