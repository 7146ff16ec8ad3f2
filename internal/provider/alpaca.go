package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// AlpacaProvider is a PRIMARY_MARKET provider for equities backed by the
// Alpaca market-data API.
type AlpacaProvider struct {
	id     string
	client *marketdata.Client
	log    zerolog.Logger
}

// NewAlpacaProvider creates an Alpaca-backed market data provider.
func NewAlpacaProvider(id, apiKey, apiSecret string) *AlpacaProvider {
	return &AlpacaProvider{
		id: id,
		client: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
		log: config.NewProviderLogger(id, string(market.KindPrimaryMarket)),
	}
}

// ID returns the provider instance identifier.
func (p *AlpacaProvider) ID() string { return p.id }

// Kind returns PRIMARY_MARKET.
func (p *AlpacaProvider) Kind() market.ProviderKind { return market.KindPrimaryMarket }

// SupportsAssetClass reports equities-only support.
func (p *AlpacaProvider) SupportsAssetClass(class market.AssetClass) bool {
	return class == market.AssetClassEquity
}

// Fetch returns the latest trade price. A pure quote source votes NEUTRAL;
// its weight in consensus comes from supplying the reference price.
func (p *AlpacaProvider) Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error) {
	trade, err := p.client.GetLatestTrade(symbol.Ticker, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return market.ProviderSignal{}, NewError(p.id, ErrUpstream5xx, err)
	}
	if trade == nil || trade.Price <= 0 {
		return market.ProviderSignal{}, NewError(p.id, ErrMalformed,
			fmt.Errorf("no trade price for %s", symbol.Ticker))
	}

	p.log.Debug().
		Str("symbol", symbol.Ticker).
		Float64("price", trade.Price).
		Msg("Alpaca quote fetched")

	return market.ProviderSignal{
		FetchedAt:       time.Now().UTC(),
		Direction:       market.DirectionNeutral,
		Confidence:      60,
		IndicativePrice: trade.Price,
		HasPrice:        true,
	}, nil
}

// CloseHistory returns the most recent n daily close prices. Consumed by
// the technical provider and the regime classifier for equities.
func (p *AlpacaProvider) CloseHistory(ctx context.Context, symbol market.Symbol, n int) ([]float64, error) {
	bars, err := p.client.GetBars(symbol.Ticker, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneDay,
		Start:     time.Now().AddDate(0, 0, -n*2),
	})
	if err != nil {
		return nil, NewError(p.id, ErrUpstream5xx, err)
	}
	if len(bars) == 0 {
		return nil, NewError(p.id, ErrUnsupportedSymbol,
			fmt.Errorf("no bars for %s", symbol.Ticker))
	}

	closes := make([]float64, 0, len(bars))
	for _, b := range bars {
		closes = append(closes, b.Close)
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	return closes, nil
}
