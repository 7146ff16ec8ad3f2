package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

// PaperBroker simulates a brokerage in memory: market orders fill
// immediately at the posted market price, stops and targets rest as
// accepted orders, and positions carry realized P&L back into equity.
type PaperBroker struct {
	mu           sync.Mutex
	equity       float64
	buyingPower  float64
	dayStart     float64
	positions    map[string]*market.Position
	orders       map[string]*market.Order
	marketPrices map[string]float64
	marketClosed bool
	log          zerolog.Logger
}

// NewPaperBroker creates a paper broker with the given starting equity.
func NewPaperBroker(startingEquity float64) *PaperBroker {
	return &PaperBroker{
		equity:       startingEquity,
		buyingPower:  startingEquity,
		dayStart:     startingEquity,
		positions:    make(map[string]*market.Position),
		orders:       make(map[string]*market.Order),
		marketPrices: make(map[string]float64),
		log:          config.NewLogger("paper_broker"),
	}
}

// SetMarketPrice posts the simulated market price for a symbol.
func (b *PaperBroker) SetMarketPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketPrices[symbol] = price
}

// SetMarketClosed toggles the simulated market session.
func (b *PaperBroker) SetMarketClosed(closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketClosed = closed
}

// SetBuyingPower overrides buying power, simulating deposits and
// withdrawals.
func (b *PaperBroker) SetBuyingPower(bp float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buyingPower = bp
}

// GetAccount returns the simulated account snapshot.
func (b *PaperBroker) GetAccount(_ context.Context) (market.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	dayPnL := b.equity - b.dayStart
	dayPnLPct := 0.0
	if b.dayStart > 0 {
		dayPnLPct = dayPnL / b.dayStart
	}
	return market.Account{
		Equity:      b.equity,
		BuyingPower: b.buyingPower,
		DayPnL:      dayPnL,
		DayPnLPct:   dayPnLPct,
		FetchedAt:   time.Now(),
	}, nil
}

// GetPositions returns all open positions.
func (b *PaperBroker) GetPositions(_ context.Context) ([]market.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]market.Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	return out, nil
}

// GetPosition returns the position for a symbol, or nil.
func (b *PaperBroker) GetPosition(_ context.Context, symbol string) (*market.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.positions[symbol]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

// SubmitOrder fills a market order immediately at the posted price.
func (b *PaperBroker) SubmitOrder(_ context.Context, order market.Order) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.marketClosed {
		return "", NewRejectError(RejectMarketClosed, fmt.Errorf("market session closed"))
	}

	price, ok := b.marketPrices[order.Symbol]
	if !ok || price <= 0 {
		return "", NewRejectError(RejectSymbolNotTradable, fmt.Errorf("no market price for %s", order.Symbol))
	}
	if order.Type == market.OrderTypeLimit && order.LimitPrice > 0 {
		price = order.LimitPrice
	}

	// Opening exposure consumes buying power; reducing does not.
	if b.opensExposure(order) {
		required := price * order.Qty
		if required > b.buyingPower {
			return "", NewRejectError(RejectInsufficientBuyingPower,
				fmt.Errorf("need %.2f, have %.2f", required, b.buyingPower))
		}
		b.buyingPower -= required
	}

	orderID := uuid.New().String()
	filled := &market.Order{
		OrderID:   orderID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Qty:       order.Qty,
		Type:      order.Type,
		Status:    market.OrderStatusFilled,
		FilledQty: order.Qty,
		FillPrice: price,
	}
	b.orders[orderID] = filled
	b.applyFill(filled)

	b.log.Debug().
		Str("order_id", orderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.Qty).
		Float64("price", price).
		Msg("Paper order filled")

	return orderID, nil
}

// opensExposure reports whether the order grows a position rather than
// reducing one. Must be called with the lock held.
func (b *PaperBroker) opensExposure(order market.Order) bool {
	pos, ok := b.positions[order.Symbol]
	if !ok {
		return true
	}
	if pos.Side == market.PositionLong && order.Side == market.OrderSideSell {
		return order.Qty > pos.Qty
	}
	if pos.Side == market.PositionShort && order.Side == market.OrderSideBuy {
		return order.Qty > pos.Qty
	}
	return true
}

// applyFill updates positions and realized P&L. Must be called with the
// lock held.
func (b *PaperBroker) applyFill(order *market.Order) {
	pos, ok := b.positions[order.Symbol]

	fillSide := market.PositionLong
	if order.Side == market.OrderSideSell {
		fillSide = market.PositionShort
	}

	if !ok {
		b.positions[order.Symbol] = &market.Position{
			Symbol:     order.Symbol,
			Side:       fillSide,
			Qty:        order.Qty,
			EntryPrice: order.FillPrice,
			OpenedAt:   time.Now(),
		}
		return
	}

	if pos.Side == fillSide {
		// Averaging into the same side.
		total := pos.Qty + order.Qty
		pos.EntryPrice = (pos.EntryPrice*pos.Qty + order.FillPrice*order.Qty) / total
		pos.Qty = total
		return
	}

	// Opposite side: reduce, close, or flip.
	closeQty := order.Qty
	if closeQty > pos.Qty {
		closeQty = pos.Qty
	}

	var pnl float64
	if pos.Side == market.PositionLong {
		pnl = (order.FillPrice - pos.EntryPrice) * closeQty
	} else {
		pnl = (pos.EntryPrice - order.FillPrice) * closeQty
	}
	b.equity += pnl
	// Closing releases the capital that was committed at entry.
	b.buyingPower += pos.EntryPrice*closeQty + pnl

	remaining := pos.Qty - closeQty
	if remaining > 0 {
		pos.Qty = remaining
		return
	}

	flipQty := order.Qty - closeQty
	if flipQty > 0 {
		b.positions[order.Symbol] = &market.Position{
			Symbol:     order.Symbol,
			Side:       fillSide,
			Qty:        flipQty,
			EntryPrice: order.FillPrice,
			OpenedAt:   time.Now(),
		}
		return
	}
	delete(b.positions, order.Symbol)
}

// PlaceStop records a resting stop order.
func (b *PaperBroker) PlaceStop(_ context.Context, symbol string, side market.OrderSide, stopPrice, qty float64) (string, error) {
	return b.placeResting(symbol, side, market.OrderTypeMarket, stopPrice, qty)
}

// PlaceTarget records a resting take-profit limit order.
func (b *PaperBroker) PlaceTarget(_ context.Context, symbol string, side market.OrderSide, limitPrice, qty float64) (string, error) {
	return b.placeResting(symbol, side, market.OrderTypeLimit, limitPrice, qty)
}

func (b *PaperBroker) placeResting(symbol string, side market.OrderSide, typ market.OrderType, price, qty float64) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.marketClosed {
		return "", NewRejectError(RejectMarketClosed, fmt.Errorf("market session closed"))
	}

	orderID := uuid.New().String()
	b.orders[orderID] = &market.Order{
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Qty:        qty,
		Type:       typ,
		LimitPrice: price,
		Status:     market.OrderStatusAccepted,
	}
	return orderID, nil
}

// GetOrderStatus returns the current state of an order.
func (b *PaperBroker) GetOrderStatus(_ context.Context, orderID string) (market.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return market.Order{}, fmt.Errorf("order %s not found", orderID)
	}
	return *o, nil
}

// Cancel cancels a resting order.
func (b *PaperBroker) Cancel(_ context.Context, orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s not found", orderID)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", orderID, o.Status)
	}
	o.Status = market.OrderStatusCanceled
	return nil
}

// RestingOrders returns non-terminal orders for a symbol, for tests and
// the control surface.
func (b *PaperBroker) RestingOrders(symbol string) []market.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []market.Order
	for _, o := range b.orders {
		if o.Symbol == symbol && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	return out
}
