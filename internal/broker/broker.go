// Package broker defines the brokerage boundary. Adapters normalize
// broker-native conventions (signed quantities, status strings, rejection
// messages) into the core's types before anything downstream sees them.
package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradeflux/tradeflux/internal/market"
)

// Broker is the surface the execution engine depends on. Positions are
// always normalized to an explicit side with positive quantity.
type Broker interface {
	// GetAccount returns a point-in-time account snapshot.
	GetAccount(ctx context.Context) (market.Account, error)

	// GetPositions returns all open positions, normalized.
	GetPositions(ctx context.Context) ([]market.Position, error)

	// GetPosition returns the open position for a symbol, or nil.
	GetPosition(ctx context.Context, symbol string) (*market.Position, error)

	// SubmitOrder places the main order and returns the broker order id.
	SubmitOrder(ctx context.Context, order market.Order) (string, error)

	// PlaceStop places a resting stop order.
	PlaceStop(ctx context.Context, symbol string, side market.OrderSide, stopPrice, qty float64) (string, error)

	// PlaceTarget places a resting limit (take-profit) order.
	PlaceTarget(ctx context.Context, symbol string, side market.OrderSide, limitPrice, qty float64) (string, error)

	// GetOrderStatus returns the current state of an order.
	GetOrderStatus(ctx context.Context, orderID string) (market.Order, error)

	// Cancel cancels an order at the broker.
	Cancel(ctx context.Context, orderID string) error
}

// RejectReason is the normalized broker rejection taxonomy.
type RejectReason string

const (
	RejectInsufficientBuyingPower RejectReason = "INSUFFICIENT_BUYING_POWER"
	RejectMarketClosed            RejectReason = "MARKET_CLOSED"
	RejectSymbolNotTradable       RejectReason = "SYMBOL_NOT_TRADABLE"
	RejectRateLimited             RejectReason = "RATE_LIMITED"
	RejectUpstream5xx             RejectReason = "UPSTREAM_5XX"
	RejectAuth                    RejectReason = "AUTH"
	RejectOther                   RejectReason = "OTHER"
)

// Retryable reports whether the engine should retry the order in-line
// with backoff.
func (r RejectReason) Retryable() bool {
	switch r {
	case RejectRateLimited, RejectUpstream5xx:
		return true
	}
	return false
}

// QueueEligible reports whether a rejected signal belongs on the deferred
// queue: the condition clears as account or market state changes.
func (r RejectReason) QueueEligible() bool {
	switch r {
	case RejectInsufficientBuyingPower, RejectMarketClosed, RejectRateLimited, RejectUpstream5xx:
		return true
	}
	return false
}

// RejectError is a typed broker rejection.
type RejectError struct {
	Reason RejectReason
	Err    error
}

// Error implements the error interface.
func (e *RejectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker rejected: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("broker rejected: %s", e.Reason)
}

// Unwrap exposes the wrapped cause.
func (e *RejectError) Unwrap() error {
	return e.Err
}

// NewRejectError constructs a typed rejection.
func NewRejectError(reason RejectReason, err error) *RejectError {
	return &RejectError{Reason: reason, Err: err}
}

// ReasonOf extracts the rejection reason from an error chain; non-reject
// errors map to OTHER, context deadline errors to UPSTREAM_5XX so they
// retry.
func ReasonOf(err error) RejectReason {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return RejectUpstream5xx
	}
	return RejectOther
}
