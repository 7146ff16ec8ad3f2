package provider

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// Momentum cutoffs for deriving a directional vote from 24h change.
const (
	binanceLongAbovePct  = 1.0
	binanceShortBelowPct = -1.0
)

// BinanceProvider is a PRIMARY_MARKET provider for crypto symbols backed
// by the Binance spot API. It also serves close-price history to the
// technical provider.
type BinanceProvider struct {
	id     string
	client *binance.Client
	log    zerolog.Logger
}

// NewBinanceProvider creates a Binance-backed market data provider.
func NewBinanceProvider(id string, apiKey, secretKey string, testnet bool) *BinanceProvider {
	if testnet {
		binance.UseTestnet = true
	}
	return &BinanceProvider{
		id:     id,
		client: binance.NewClient(apiKey, secretKey),
		log:    config.NewProviderLogger(id, string(market.KindPrimaryMarket)),
	}
}

// ID returns the provider instance identifier.
func (p *BinanceProvider) ID() string { return p.id }

// Kind returns PRIMARY_MARKET.
func (p *BinanceProvider) Kind() market.ProviderKind { return market.KindPrimaryMarket }

// SupportsAssetClass reports crypto-only support.
func (p *BinanceProvider) SupportsAssetClass(class market.AssetClass) bool {
	return class == market.AssetClassCrypto
}

// Fetch returns the latest quote with a momentum-derived directional vote.
func (p *BinanceProvider) Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error) {
	stats, err := p.client.NewListPriceChangeStatsService().Symbol(symbol.Ticker).Do(ctx)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, classifyBinanceError(err), err)
	}
	if len(stats) == 0 {
		return market.ProviderSignal{}, NewError(p.id, ErrUnsupportedSymbol,
			fmt.Errorf("no ticker stats for %s", symbol.Ticker))
	}

	lastPrice, err := strconv.ParseFloat(stats[0].LastPrice, 64)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed,
			fmt.Errorf("failed to parse last price %q: %w", stats[0].LastPrice, err))
	}
	changePct, err := strconv.ParseFloat(stats[0].PriceChangePercent, 64)
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed,
			fmt.Errorf("failed to parse price change %q: %w", stats[0].PriceChangePercent, err))
	}

	direction := market.DirectionNeutral
	switch {
	case changePct >= binanceLongAbovePct:
		direction = market.DirectionLong
	case changePct <= binanceShortBelowPct:
		direction = market.DirectionShort
	}

	// Confidence grows with the magnitude of the move, saturating at 90.
	confidence := 50 + math.Min(40, math.Abs(changePct)*8)

	p.log.Debug().
		Str("symbol", symbol.Ticker).
		Float64("last_price", lastPrice).
		Float64("change_pct", changePct).
		Str("direction", string(direction)).
		Msg("Binance quote fetched")

	return market.ProviderSignal{
		FetchedAt:       time.Now().UTC(),
		Direction:       direction,
		Confidence:      confidence,
		IndicativePrice: lastPrice,
		HasPrice:        true,
	}, nil
}

// CloseHistory returns the most recent n close prices at 1m resolution.
// Consumed by the technical provider and the regime classifier.
func (p *BinanceProvider) CloseHistory(ctx context.Context, symbol market.Symbol, n int) ([]float64, error) {
	klines, err := p.client.NewKlinesService().
		Symbol(symbol.Ticker).
		Interval("1m").
		Limit(n).
		Do(ctx)
	if err != nil {
		return nil, NewError(p.id, classifyBinanceError(err), err)
	}

	closes := make([]float64, 0, len(klines))
	for _, k := range klines {
		c, err := strconv.ParseFloat(k.Close, 64)
		if err != nil {
			return nil, NewError(p.id, ErrMalformed,
				fmt.Errorf("failed to parse kline close %q: %w", k.Close, err))
		}
		closes = append(closes, c)
	}
	if len(closes) == 0 {
		return nil, NewError(p.id, ErrUnsupportedSymbol,
			fmt.Errorf("no klines for %s", symbol.Ticker))
	}
	return closes, nil
}

// classifyBinanceError maps Binance client errors onto the provider error
// taxonomy.
func classifyBinanceError(err error) ErrorKind {
	if err == nil {
		return ErrMalformed
	}
	if apiErr, ok := err.(*common.APIError); ok {
		switch {
		case apiErr.Code == -1003:
			return ErrRateLimited
		case apiErr.Code == -2014 || apiErr.Code == -2015 || apiErr.Code == -1002:
			return ErrAuth
		case apiErr.Code == -1121:
			return ErrUnsupportedSymbol
		}
		return ErrUpstream5xx
	}
	if err == context.DeadlineExceeded || err == context.Canceled {
		return ErrTimeout
	}
	return ErrUpstream5xx
}
