package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/indicators"
	"github.com/tradeflux/tradeflux/internal/market"
)

// CloseHistorySource supplies recent close prices for a symbol. The
// Binance and Alpaca providers implement it for their asset classes.
type CloseHistorySource interface {
	CloseHistory(ctx context.Context, symbol market.Symbol, n int) ([]float64, error)
}

// Technical analysis parameters.
const (
	technicalLookback = 60
	rsiPeriod         = 14
	macdFast          = 12
	macdSlow          = 26
	macdSignal        = 9
	rsiOverbought     = 70.0
	rsiOversold       = 30.0
)

// TechnicalProvider derives a directional vote from RSI and MACD over
// recent close prices.
type TechnicalProvider struct {
	id      string
	classes map[market.AssetClass]CloseHistorySource
	log     zerolog.Logger
}

// NewTechnicalProvider creates a technical provider fed by per-asset-class
// history sources.
func NewTechnicalProvider(id string, sources map[market.AssetClass]CloseHistorySource) *TechnicalProvider {
	return &TechnicalProvider{
		id:      id,
		classes: sources,
		log:     config.NewProviderLogger(id, string(market.KindTechnical)),
	}
}

// ID returns the provider instance identifier.
func (p *TechnicalProvider) ID() string { return p.id }

// Kind returns TECHNICAL.
func (p *TechnicalProvider) Kind() market.ProviderKind { return market.KindTechnical }

// SupportsAssetClass reports support for classes with a history source.
func (p *TechnicalProvider) SupportsAssetClass(class market.AssetClass) bool {
	_, ok := p.classes[class]
	return ok
}

// Fetch computes RSI and MACD and fuses them into one vote. The two
// indicators each contribute one vote. Base confidence is 45 with no net
// vote, 65 with a net vote, and 85 when both indicators agree.
func (p *TechnicalProvider) Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error) {
	source, ok := p.classes[symbol.Class]
	if !ok {
		return market.ProviderSignal{}, NewError(p.id, ErrUnsupportedSymbol,
			fmt.Errorf("no history source for asset class %s", symbol.Class))
	}

	closes, err := source.CloseHistory(ctx, symbol, technicalLookback)
	if err != nil {
		return market.ProviderSignal{}, fmt.Errorf("failed to load close history: %w", err)
	}

	rsi, err := indicators.RSI(closes, rsiPeriod)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed, err)
	}
	macd, _, hist, err := indicators.MACD(closes, macdFast, macdSlow, macdSignal)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed, err)
	}

	// RSI votes mean-reversion at the extremes; MACD histogram votes
	// with the trend.
	rsiVote := 0
	switch {
	case rsi <= rsiOversold:
		rsiVote = 1
	case rsi >= rsiOverbought:
		rsiVote = -1
	}
	macdVote := 0
	switch {
	case hist > 0:
		macdVote = 1
	case hist < 0:
		macdVote = -1
	}

	direction := market.DirectionNeutral
	total := rsiVote + macdVote
	switch {
	case total > 0:
		direction = market.DirectionLong
	case total < 0:
		direction = market.DirectionShort
	}

	confidence := 45.0
	if rsiVote != 0 && rsiVote == macdVote {
		confidence = 85
	} else if total != 0 {
		confidence = 65
	}
	// Distance from the RSI midline sharpens conviction slightly.
	confidence += math.Min(10, math.Abs(rsi-50)/5)

	p.log.Debug().
		Str("symbol", symbol.Ticker).
		Float64("rsi", rsi).
		Float64("macd", macd).
		Float64("histogram", hist).
		Str("direction", string(direction)).
		Float64("confidence", confidence).
		Msg("Technical vote computed")

	return market.ProviderSignal{
		FetchedAt:       time.Now().UTC(),
		Direction:       direction,
		Confidence:      confidence,
		IndicativePrice: closes[len(closes)-1],
		HasPrice:        true,
	}, nil
}
