package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/execution"
	"github.com/tradeflux/tradeflux/internal/market"
)

// fakeStore records disposals in memory.
type fakeStore struct {
	mu        sync.Mutex
	claimable []market.QueuedSignal
	completed map[string]market.QueueStatus
	retried   map[string]time.Time
	expired   map[string]bool
	abandoned map[string]string
	cfg       config.QueueConfig
}

func newFakeStore(items ...market.QueuedSignal) *fakeStore {
	return &fakeStore{
		claimable: items,
		completed: make(map[string]market.QueueStatus),
		retried:   make(map[string]time.Time),
		expired:   make(map[string]bool),
		abandoned: make(map[string]string),
		cfg:       queueConfig(),
	}
}

func (f *fakeStore) ClaimNext(_ context.Context, limit int) ([]market.QueuedSignal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := limit
	if n > len(f.claimable) {
		n = len(f.claimable)
	}
	out := f.claimable[:n]
	f.claimable = f.claimable[n:]
	return out, nil
}

func (f *fakeStore) Complete(_ context.Context, id string, outcome market.QueueStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[id] = outcome
	return nil
}

func (f *fakeStore) Retry(_ context.Context, id, _ string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried[id] = next
	return nil
}

func (f *fakeStore) Expire(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[id] = true
	return nil
}

func (f *fakeStore) Abandon(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned[id] = reason
	return nil
}

func (f *fakeStore) Backoff(attempts int) time.Duration {
	return time.Duration(attempts) * time.Second
}

// fakeExecutor returns a scripted result.
type fakeExecutor struct {
	result   execution.Result
	err      error
	requests []execution.Request
}

func (f *fakeExecutor) Execute(_ context.Context, req execution.Request) (execution.Result, error) {
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func queuedItem(age time.Duration, attempts int) market.QueuedSignal {
	return market.QueuedSignal{
		SignalID:   "sig-1",
		Payload:    queuedPayload(),
		EnqueuedAt: time.Now().Add(-age),
		Attempts:   attempts,
		Status:     market.QueueInFlight,
	}
}

func steadyPrice(price float64) PriceFunc {
	return func(context.Context, string) (float64, error) { return price, nil }
}

func newProcessor(store Store, exec Executor, price PriceFunc) *Processor {
	return NewProcessor(store, exec, price,
		map[string]market.AssetClass{"NVDA": market.AssetClassEquity},
		queueConfig(), make(chan struct{}))
}

func TestProcessorExecutesAndCompletes(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeOpened}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Equal(t, market.QueueFilled, store.completed["sig-1"])
	require.Len(t, exec.requests, 1)
	assert.True(t, exec.requests[0].DisableEnqueue, "processor owns re-enqueue, the engine must not")
}

func TestProcessorExpiresByAge(t *testing.T) {
	// Exactly at max age counts as expired.
	store := newFakeStore(queuedItem(15*time.Minute, 0))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeOpened}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.True(t, store.expired["sig-1"])
	assert.Empty(t, exec.requests)
}

func TestProcessorAbandonsAfterMaxAttempts(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 5))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeOpened}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Contains(t, store.abandoned, "sig-1")
	assert.Empty(t, exec.requests)
}

func TestProcessorExpiresOnPriceDrift(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeOpened}}
	// 1% above the queued entry price of 450, beyond the 0.5% gate.
	p := newProcessor(store, exec, steadyPrice(454.5))

	p.ProcessBatch(context.Background())

	assert.True(t, store.expired["sig-1"])
	assert.Empty(t, exec.requests)
}

func TestProcessorRequeuesOnRecoverableRejection(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{
		Outcome: execution.OutcomeRejected,
		Reason:  "INSUFFICIENT_BUYING_POWER",
	}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Contains(t, store.retried, "sig-1")
	assert.Empty(t, store.abandoned)
}

func TestProcessorAbandonsOnLogicalRejection(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{
		Outcome: execution.OutcomeRejected,
		Reason:  "SYMBOL_DENIED",
	}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Equal(t, "SYMBOL_DENIED", store.abandoned["sig-1"])
	assert.Empty(t, store.retried)
}

func TestProcessorRequeuesOnExecutionError(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{err: errors.New("broker unreachable")}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Contains(t, store.retried, "sig-1")
}

func TestProcessorRequeuesWhenPriceUnavailable(t *testing.T) {
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeOpened}}
	p := newProcessor(store, exec, func(context.Context, string) (float64, error) {
		return 0, errors.New("no quote")
	})

	p.ProcessBatch(context.Background())

	assert.Contains(t, store.retried, "sig-1")
	assert.Empty(t, exec.requests)
}

func TestProcessorDuplicateCountsAsFilled(t *testing.T) {
	// The engine's idempotency guard reports DUPLICATE when the main order
	// already exists; the queue row must still resolve.
	store := newFakeStore(queuedItem(time.Minute, 1))
	exec := &fakeExecutor{result: execution.Result{Outcome: execution.OutcomeDuplicate}}
	p := newProcessor(store, exec, steadyPrice(450))

	p.ProcessBatch(context.Background())

	assert.Equal(t, market.QueueFilled, store.completed["sig-1"])
}
