package broker

import (
	"context"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// AlpacaBroker adapts the Alpaca trading API to the Broker surface for
// equities. Alpaca reports positions with a side string and positive
// quantity, which maps directly onto the normalized form.
type AlpacaBroker struct {
	client *alpaca.Client
	log    zerolog.Logger
}

// NewAlpacaBroker creates an Alpaca-backed broker adapter. An empty
// baseURL uses the SDK default (paper trading host when the key is a
// paper key).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		log: config.NewLogger("alpaca_broker"),
	}
}

// GetAccount returns the normalized account snapshot.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (market.Account, error) {
	acct, err := b.client.GetAccount()
	if err != nil {
		return market.Account{}, classifyAlpacaError(err)
	}

	equity, _ := acct.Equity.Float64()
	buyingPower, _ := acct.BuyingPower.Float64()
	lastEquity, _ := acct.LastEquity.Float64()

	dayPnL := equity - lastEquity
	dayPnLPct := 0.0
	if lastEquity > 0 {
		dayPnLPct = dayPnL / lastEquity
	}

	return market.Account{
		Equity:      equity,
		BuyingPower: buyingPower,
		DayPnL:      dayPnL,
		DayPnLPct:   dayPnLPct,
		Blocked:     acct.TradingBlocked || acct.AccountBlocked,
		FetchedAt:   time.Now(),
	}, nil
}

// GetPositions returns all open positions, normalized.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]market.Position, error) {
	positions, err := b.client.GetPositions()
	if err != nil {
		return nil, classifyAlpacaError(err)
	}

	out := make([]market.Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, normalizeAlpacaPosition(p))
	}
	return out, nil
}

// GetPosition returns the position for a symbol, or nil.
func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*market.Position, error) {
	p, err := b.client.GetPosition(symbol)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, nil
		}
		return nil, classifyAlpacaError(err)
	}
	pos := normalizeAlpacaPosition(*p)
	return &pos, nil
}

// SubmitOrder places the main order.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order market.Order) (string, error) {
	qty := decimal.NewFromFloat(order.Qty)
	req := alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        alpacaSide(order.Side),
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	}
	if order.Type == market.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	o, err := b.client.PlaceOrder(req)
	if err != nil {
		return "", classifyAlpacaError(err)
	}

	b.log.Info().
		Str("order_id", o.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Msg("Alpaca order submitted")

	return o.ID, nil
}

// PlaceStop places a resting stop order.
func (b *AlpacaBroker) PlaceStop(ctx context.Context, symbol string, side market.OrderSide, stopPrice, qty float64) (string, error) {
	q := decimal.NewFromFloat(qty)
	stop := decimal.NewFromFloat(stopPrice)
	o, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpacaSide(side),
		Type:        alpaca.Stop,
		StopPrice:   &stop,
		TimeInForce: alpaca.GTC,
	})
	if err != nil {
		return "", classifyAlpacaError(err)
	}
	return o.ID, nil
}

// PlaceTarget places a resting take-profit limit order.
func (b *AlpacaBroker) PlaceTarget(ctx context.Context, symbol string, side market.OrderSide, limitPrice, qty float64) (string, error) {
	q := decimal.NewFromFloat(qty)
	limit := decimal.NewFromFloat(limitPrice)
	o, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      symbol,
		Qty:         &q,
		Side:        alpacaSide(side),
		Type:        alpaca.Limit,
		LimitPrice:  &limit,
		TimeInForce: alpaca.GTC,
	})
	if err != nil {
		return "", classifyAlpacaError(err)
	}
	return o.ID, nil
}

// GetOrderStatus queries an order by its id.
func (b *AlpacaBroker) GetOrderStatus(ctx context.Context, orderID string) (market.Order, error) {
	o, err := b.client.GetOrder(orderID)
	if err != nil {
		return market.Order{}, classifyAlpacaError(err)
	}

	qty := 0.0
	if o.Qty != nil {
		qty, _ = o.Qty.Float64()
	}
	filledQty, _ := o.FilledQty.Float64()
	fillPrice := 0.0
	if o.FilledAvgPrice != nil {
		fillPrice, _ = o.FilledAvgPrice.Float64()
	}

	side := market.OrderSideBuy
	if o.Side == alpaca.Sell {
		side = market.OrderSideSell
	}

	return market.Order{
		OrderID:   o.ID,
		Symbol:    o.Symbol,
		Side:      side,
		Qty:       qty,
		Status:    normalizeAlpacaStatus(string(o.Status)),
		FilledQty: filledQty,
		FillPrice: fillPrice,
	}, nil
}

// Cancel cancels an order at Alpaca.
func (b *AlpacaBroker) Cancel(ctx context.Context, orderID string) error {
	if err := b.client.CancelOrder(orderID); err != nil {
		return classifyAlpacaError(err)
	}
	return nil
}

// normalizeAlpacaPosition converts the Alpaca position to the normalized
// form: explicit side, positive quantity.
func normalizeAlpacaPosition(p alpaca.Position) market.Position {
	qty, _ := p.Qty.Float64()
	side := market.PositionLong
	if qty < 0 || strings.EqualFold(p.Side, "short") {
		side = market.PositionShort
	}
	if qty < 0 {
		qty = -qty
	}
	entry, _ := p.AvgEntryPrice.Float64()
	return market.Position{
		Symbol:     p.Symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: entry,
	}
}

// normalizeAlpacaStatus maps Alpaca order statuses onto the core enum.
func normalizeAlpacaStatus(s string) market.OrderStatus {
	switch strings.ToLower(s) {
	case "new", "accepted", "pending_new":
		return market.OrderStatusAccepted
	case "partially_filled":
		return market.OrderStatusPartiallyFilled
	case "filled":
		return market.OrderStatusFilled
	case "rejected":
		return market.OrderStatusRejected
	case "canceled", "expired", "done_for_day":
		return market.OrderStatusCanceled
	default:
		return market.OrderStatusNew
	}
}

// classifyAlpacaError maps Alpaca API errors onto the reject taxonomy.
func classifyAlpacaError(err error) error {
	if apiErr, ok := err.(*alpaca.APIError); ok {
		switch apiErr.StatusCode {
		case 401, 403:
			return NewRejectError(RejectAuth, err)
		case 429:
			return NewRejectError(RejectRateLimited, err)
		}
		msg := strings.ToLower(apiErr.Message)
		switch {
		case strings.Contains(msg, "buying power"), strings.Contains(msg, "insufficient"):
			return NewRejectError(RejectInsufficientBuyingPower, err)
		case strings.Contains(msg, "market is closed"), strings.Contains(msg, "not open"):
			return NewRejectError(RejectMarketClosed, err)
		case strings.Contains(msg, "not tradable"), strings.Contains(msg, "not found"):
			return NewRejectError(RejectSymbolNotTradable, err)
		}
		if apiErr.StatusCode >= 500 {
			return NewRejectError(RejectUpstream5xx, err)
		}
		return NewRejectError(RejectOther, err)
	}
	return NewRejectError(RejectOther, err)
}

// alpacaSide converts the core side.
func alpacaSide(side market.OrderSide) alpaca.Side {
	if side == market.OrderSideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}
