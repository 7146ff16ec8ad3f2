// Package provider defines the DataProvider boundary and the registry that
// wraps every provider with a weight, a token-bucket rate limit, a circuit
// breaker and rolling health tracking.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/tradeflux/tradeflux/internal/market"
)

// DataProvider fetches a directional signal for one symbol. Fetch must
// respect ctx cancellation and return within the provider's configured
// timeout; the registry enforces both.
type DataProvider interface {
	// ID returns the unique provider instance identifier.
	ID() string

	// Kind decides primary-race participation; default weight does not
	// depend on it.
	Kind() market.ProviderKind

	// SupportsAssetClass reports whether the provider can serve symbols
	// of the given class.
	SupportsAssetClass(class market.AssetClass) bool

	// Fetch returns the provider's signal for the symbol.
	Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error)
}

// ErrorKind classifies provider failures. Most kinds originate from the
// provider itself. The registry synthesizes UPSTREAM_DOWN when the circuit
// breaker short-circuits, RATE_LIMITED when its token bucket cannot admit
// the call, and UNSUPPORTED_SYMBOL when the provider does not serve the
// symbol's asset class.
type ErrorKind string

const (
	ErrTimeout           ErrorKind = "TIMEOUT"
	ErrRateLimited       ErrorKind = "RATE_LIMITED"
	ErrAuth              ErrorKind = "AUTH"
	ErrUpstream5xx       ErrorKind = "UPSTREAM_5XX"
	ErrMalformed         ErrorKind = "MALFORMED"
	ErrUnsupportedSymbol ErrorKind = "UNSUPPORTED_SYMBOL"
	ErrUpstreamDown      ErrorKind = "UPSTREAM_DOWN"
)

// Error is a typed provider failure.
type Error struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError constructs a typed provider error.
func NewError(provider string, kind ErrorKind, err error) *Error {
	return &Error{Provider: provider, Kind: kind, Err: err}
}

// KindOf extracts the ErrorKind from an error chain. Unknown errors map to
// MALFORMED; context deadline errors map to TIMEOUT.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrMalformed
}

// Transient reports whether the error kind is individually recoverable.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrTimeout, ErrRateLimited, ErrUpstream5xx, ErrUpstreamDown:
		return true
	}
	return false
}
