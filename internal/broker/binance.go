package broker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// quoteAsset is the asset the adapter treats as cash. Equity and buying
// power are reported in this asset.
const quoteAsset = "USDT"

// BinanceBroker adapts the Binance spot API to the Broker surface.
// Spot has no position endpoint, so positions are tracked locally from
// this adapter's own fills, the same way the order map is.
type BinanceBroker struct {
	client *binance.Client
	log    zerolog.Logger

	mu            sync.Mutex
	positions     map[string]*market.Position
	orderSymbols  map[string]string // broker order id -> symbol
}

// NewBinanceBroker creates a Binance-backed broker adapter.
func NewBinanceBroker(apiKey, secretKey string, testnet bool) *BinanceBroker {
	if testnet {
		binance.UseTestnet = true
	}
	return &BinanceBroker{
		client:       binance.NewClient(apiKey, secretKey),
		log:          config.NewLogger("binance_broker"),
		positions:    make(map[string]*market.Position),
		orderSymbols: make(map[string]string),
	}
}

// GetAccount reports the quote-asset balance as equity and buying power.
func (b *BinanceBroker) GetAccount(ctx context.Context) (market.Account, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return market.Account{}, classifyBinanceBrokerError(err)
	}

	var free, locked float64
	for _, bal := range acct.Balances {
		if bal.Asset != quoteAsset {
			continue
		}
		free, _ = strconv.ParseFloat(bal.Free, 64)
		locked, _ = strconv.ParseFloat(bal.Locked, 64)
	}

	return market.Account{
		Equity:      free + locked,
		BuyingPower: free,
		FetchedAt:   time.Now(),
	}, nil
}

// GetPositions returns the locally tracked open positions.
func (b *BinanceBroker) GetPositions(_ context.Context) ([]market.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]market.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetPosition returns the position for a symbol, or nil.
func (b *BinanceBroker) GetPosition(_ context.Context, symbol string) (*market.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// SubmitOrder places the main order.
func (b *BinanceBroker) SubmitOrder(ctx context.Context, order market.Order) (string, error) {
	svc := b.client.NewCreateOrderService().
		Symbol(order.Symbol).
		Side(binanceSide(order.Side)).
		Quantity(formatQty(order.Qty))

	if order.Type == market.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatQty(order.LimitPrice))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return "", classifyBinanceBrokerError(err)
	}

	orderID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[orderID] = order.Symbol
	b.mu.Unlock()

	if resp.Status == binance.OrderStatusTypeFilled {
		price := avgFillPrice(resp)
		b.trackFill(order.Symbol, order.Side, order.Qty, price)
	}

	b.log.Info().
		Str("order_id", orderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("status", string(resp.Status)).
		Msg("Binance order submitted")

	return orderID, nil
}

// PlaceStop places a resting stop-loss-limit order.
func (b *BinanceBroker) PlaceStop(ctx context.Context, symbol string, side market.OrderSide, stopPrice, qty float64) (string, error) {
	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(side)).
		Type(binance.OrderTypeStopLossLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQty(qty)).
		StopPrice(formatQty(stopPrice)).
		Price(formatQty(stopPrice)).
		Do(ctx)
	if err != nil {
		return "", classifyBinanceBrokerError(err)
	}

	orderID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[orderID] = symbol
	b.mu.Unlock()
	return orderID, nil
}

// PlaceTarget places a resting take-profit-limit order.
func (b *BinanceBroker) PlaceTarget(ctx context.Context, symbol string, side market.OrderSide, limitPrice, qty float64) (string, error) {
	resp, err := b.client.NewCreateOrderService().
		Symbol(symbol).
		Side(binanceSide(side)).
		Type(binance.OrderTypeTakeProfitLimit).
		TimeInForce(binance.TimeInForceTypeGTC).
		Quantity(formatQty(qty)).
		StopPrice(formatQty(limitPrice)).
		Price(formatQty(limitPrice)).
		Do(ctx)
	if err != nil {
		return "", classifyBinanceBrokerError(err)
	}

	orderID := strconv.FormatInt(resp.OrderID, 10)
	b.mu.Lock()
	b.orderSymbols[orderID] = symbol
	b.mu.Unlock()
	return orderID, nil
}

// GetOrderStatus queries an order by its broker id.
func (b *BinanceBroker) GetOrderStatus(ctx context.Context, orderID string) (market.Order, error) {
	b.mu.Lock()
	symbol, ok := b.orderSymbols[orderID]
	b.mu.Unlock()
	if !ok {
		return market.Order{}, fmt.Errorf("order %s not tracked by this adapter", orderID)
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return market.Order{}, fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}

	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return market.Order{}, classifyBinanceBrokerError(err)
	}

	qty, _ := strconv.ParseFloat(o.OrigQuantity, 64)
	filledQty, _ := strconv.ParseFloat(o.ExecutedQuantity, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)

	side := market.OrderSideBuy
	if o.Side == binance.SideTypeSell {
		side = market.OrderSideSell
	}

	return market.Order{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		LimitPrice: price,
		Status:     normalizeBinanceStatus(o.Status),
		FilledQty:  filledQty,
		FillPrice:  price,
	}, nil
}

// Cancel cancels an order at Binance.
func (b *BinanceBroker) Cancel(ctx context.Context, orderID string) error {
	b.mu.Lock()
	symbol, ok := b.orderSymbols[orderID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("order %s not tracked by this adapter", orderID)
	}

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid binance order id %q: %w", orderID, err)
	}

	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return classifyBinanceBrokerError(err)
	}
	return nil
}

// trackFill updates the locally tracked position for a fill.
func (b *BinanceBroker) trackFill(symbol string, side market.OrderSide, qty, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	fillSide := market.PositionLong
	if side == market.OrderSideSell {
		fillSide = market.PositionShort
	}

	pos, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = &market.Position{
			Symbol:     symbol,
			Side:       fillSide,
			Qty:        qty,
			EntryPrice: price,
			OpenedAt:   time.Now(),
		}
		return
	}

	if pos.Side == fillSide {
		total := pos.Qty + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Qty + price*qty) / total
		pos.Qty = total
		return
	}

	switch {
	case qty < pos.Qty:
		pos.Qty -= qty
	case qty == pos.Qty:
		delete(b.positions, symbol)
	default:
		b.positions[symbol] = &market.Position{
			Symbol:     symbol,
			Side:       fillSide,
			Qty:        qty - pos.Qty,
			EntryPrice: price,
			OpenedAt:   time.Now(),
		}
	}
}

// normalizeBinanceStatus maps Binance order statuses onto the core enum.
func normalizeBinanceStatus(s binance.OrderStatusType) market.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return market.OrderStatusAccepted
	case binance.OrderStatusTypePartiallyFilled:
		return market.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return market.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return market.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return market.OrderStatusRejected
	default:
		return market.OrderStatusNew
	}
}

// classifyBinanceBrokerError maps Binance errors onto the reject taxonomy.
func classifyBinanceBrokerError(err error) error {
	apiErr, ok := err.(*common.APIError)
	if !ok {
		if err == context.DeadlineExceeded {
			return NewRejectError(RejectUpstream5xx, err)
		}
		return NewRejectError(RejectOther, err)
	}
	switch apiErr.Code {
	case -1003:
		return NewRejectError(RejectRateLimited, err)
	case -1002, -2014, -2015:
		return NewRejectError(RejectAuth, err)
	case -1121:
		return NewRejectError(RejectSymbolNotTradable, err)
	case -2010:
		// "Account has insufficient balance for requested action."
		return NewRejectError(RejectInsufficientBuyingPower, err)
	}
	if apiErr.Code <= -1000 && apiErr.Code > -1100 {
		return NewRejectError(RejectUpstream5xx, err)
	}
	return NewRejectError(RejectOther, err)
}

func binanceSide(side market.OrderSide) binance.SideType {
	if side == market.OrderSideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

// avgFillPrice computes the volume-weighted fill price from the response.
func avgFillPrice(resp *binance.CreateOrderResponse) float64 {
	var totalQty, totalValue float64
	for _, f := range resp.Fills {
		q, _ := strconv.ParseFloat(f.Quantity, 64)
		p, _ := strconv.ParseFloat(f.Price, 64)
		totalQty += q
		totalValue += q * p
	}
	if totalQty == 0 {
		return 0
	}
	return totalValue / totalQty
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
