package broker

import (
	"context"
	"sync"
	"time"

	"github.com/tradeflux/tradeflux/internal/market"
)

// CachedBroker decorates a Broker with short-lived account and position
// caches. Any successful SubmitOrder invalidates both immediately.
type CachedBroker struct {
	Broker

	accountTTL  time.Duration
	positionTTL time.Duration

	mu          sync.Mutex
	account     market.Account
	accountAt   time.Time
	positions   []market.Position
	positionsAt time.Time
}

// NewCachedBroker wraps a broker with the given cache TTLs.
func NewCachedBroker(b Broker, accountTTL, positionTTL time.Duration) *CachedBroker {
	return &CachedBroker{Broker: b, accountTTL: accountTTL, positionTTL: positionTTL}
}

// GetAccount serves from cache within the TTL.
func (c *CachedBroker) GetAccount(ctx context.Context) (market.Account, error) {
	c.mu.Lock()
	if !c.accountAt.IsZero() && time.Since(c.accountAt) < c.accountTTL {
		acct := c.account
		c.mu.Unlock()
		return acct, nil
	}
	c.mu.Unlock()

	acct, err := c.Broker.GetAccount(ctx)
	if err != nil {
		return market.Account{}, err
	}

	c.mu.Lock()
	c.account = acct
	c.accountAt = time.Now()
	c.mu.Unlock()
	return acct, nil
}

// GetPositions serves from cache within the TTL.
func (c *CachedBroker) GetPositions(ctx context.Context) ([]market.Position, error) {
	c.mu.Lock()
	if !c.positionsAt.IsZero() && time.Since(c.positionsAt) < c.positionTTL {
		out := make([]market.Position, len(c.positions))
		copy(out, c.positions)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()

	positions, err := c.Broker.GetPositions(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.positions = positions
	c.positionsAt = time.Now()
	c.mu.Unlock()

	out := make([]market.Position, len(positions))
	copy(out, positions)
	return out, nil
}

// GetPosition reads through the positions cache.
func (c *CachedBroker) GetPosition(ctx context.Context, symbol string) (*market.Position, error) {
	positions, err := c.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].Symbol == symbol {
			return &positions[i], nil
		}
	}
	return nil, nil
}

// SubmitOrder passes through and invalidates both caches on success.
func (c *CachedBroker) SubmitOrder(ctx context.Context, order market.Order) (string, error) {
	id, err := c.Broker.SubmitOrder(ctx, order)
	if err == nil {
		c.Invalidate()
	}
	return id, err
}

// Invalidate drops both caches; the next read goes to the broker.
func (c *CachedBroker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accountAt = time.Time{}
	c.positionsAt = time.Time{}
}
