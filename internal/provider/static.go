package provider

import (
	"context"
	"sync"
	"time"

	"github.com/tradeflux/tradeflux/internal/market"
)

// StaticProvider serves scripted signals from memory. Used in paper mode
// and throughout the test suite as a stand-in for remote providers.
type StaticProvider struct {
	id      string
	kind    market.ProviderKind
	classes map[market.AssetClass]bool

	mu      sync.RWMutex
	signals map[string]market.ProviderSignal // symbol -> next signal
	history map[string][]float64             // symbol -> close history
	err     error
	delay   time.Duration
	calls   int
}

// NewStaticProvider creates a scripted provider of the given kind serving
// the listed asset classes.
func NewStaticProvider(id string, kind market.ProviderKind, classes ...market.AssetClass) *StaticProvider {
	cm := make(map[market.AssetClass]bool, len(classes))
	for _, c := range classes {
		cm[c] = true
	}
	return &StaticProvider{
		id:      id,
		kind:    kind,
		classes: cm,
		signals: make(map[string]market.ProviderSignal),
		history: make(map[string][]float64),
	}
}

// ID returns the provider instance identifier.
func (p *StaticProvider) ID() string { return p.id }

// Kind returns the configured kind.
func (p *StaticProvider) Kind() market.ProviderKind { return p.kind }

// SupportsAssetClass reports membership in the configured class set.
func (p *StaticProvider) SupportsAssetClass(class market.AssetClass) bool {
	return p.classes[class]
}

// SetSignal scripts the next signal for a symbol.
func (p *StaticProvider) SetSignal(symbol string, sig market.ProviderSignal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals[symbol] = sig
}

// SetHistory scripts the close history for a symbol.
func (p *StaticProvider) SetHistory(symbol string, closes []float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history[symbol] = closes
}

// SetError makes every subsequent Fetch fail with err (nil clears).
func (p *StaticProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// SetDelay injects latency before each Fetch returns.
func (p *StaticProvider) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

// Calls returns how many Fetch calls were made.
func (p *StaticProvider) Calls() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.calls
}

// Fetch returns the scripted signal for the symbol.
func (p *StaticProvider) Fetch(ctx context.Context, symbol market.Symbol) (market.ProviderSignal, error) {
	p.mu.Lock()
	p.calls++
	delay := p.delay
	err := p.err
	sig, ok := p.signals[symbol.Ticker]
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return market.ProviderSignal{}, ctx.Err()
		}
	}
	if err != nil {
		return market.ProviderSignal{}, err
	}
	if !ok {
		return market.ProviderSignal{}, NewError(p.id, ErrUnsupportedSymbol, nil)
	}
	if sig.FetchedAt.IsZero() {
		sig.FetchedAt = time.Now().UTC()
	}
	return sig, nil
}

// CloseHistory returns the scripted close history for the symbol.
func (p *StaticProvider) CloseHistory(_ context.Context, symbol market.Symbol, n int) ([]float64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	closes, ok := p.history[symbol.Ticker]
	if !ok {
		return nil, NewError(p.id, ErrUnsupportedSymbol, nil)
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	out := make([]float64, len(closes))
	copy(out, closes)
	return out, nil
}
