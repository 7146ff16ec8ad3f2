package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

func queueConfig() config.QueueConfig {
	return config.QueueConfig{
		MaxAgeMS:      15 * 60 * 1000,
		MaxAttempts:   5,
		BackoffBaseMS: 1000,
		BackoffMaxMS:  5 * 60 * 1000,
		MaxPriceDrift: 0.005,
		BatchSize:     10,
	}
}

func queuedPayload() market.Signal {
	return market.Signal{
		SignalID:    "sig-1",
		Symbol:      "NVDA",
		Action:      market.ActionBuy,
		EntryPrice:  450,
		TargetPrice: 472.5,
		StopPrice:   436.5,
		Confidence:  88.5,
		Rationale:   "queued long entry awaiting buying power",
	}
}

func TestEnqueueInsertsPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewQueue(mock, queueConfig())

	mock.ExpectExec(`INSERT INTO signal_queue`).
		WithArgs("sig-1", pgxmock.AnyArg(), pgxmock.AnyArg(), "INSUFFICIENT_BUYING_POWER",
			pgxmock.AnyArg(), string(market.QueuePending)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = q.Enqueue(context.Background(), market.QueuedSignal{
		SignalID:        "sig-1",
		Payload:         queuedPayload(),
		LastErrorReason: "INSUFFICIENT_BUYING_POWER",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextMarksInFlight(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewQueue(mock, queueConfig())

	payload, err := json.Marshal(queuedPayload())
	require.NoError(t, err)

	now := time.Now()
	mock.ExpectQuery(`UPDATE signal_queue SET status`).
		WithArgs(string(market.QueueInFlight), string(market.QueuePending), 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"signal_id", "payload", "enqueued_at", "attempts", "last_error_reason", "next_attempt_after", "status",
		}).AddRow("sig-1", payload, now.Add(-time.Minute), 2, "INSUFFICIENT_BUYING_POWER", now.Add(-time.Second), string(market.QueueInFlight)))

	claimed, err := q.ClaimNext(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "sig-1", claimed[0].SignalID)
	assert.Equal(t, market.QueueInFlight, claimed[0].Status)
	assert.Equal(t, 2, claimed[0].Attempts)
	assert.Equal(t, "NVDA", claimed[0].Payload.Symbol)
}

func TestCompleteRetryExpireAbandon(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewQueue(mock, queueConfig())
	ctx := context.Background()

	mock.ExpectExec(`UPDATE signal_queue SET status`).
		WithArgs(string(market.QueueFilled), "sig-1", string(market.QueueInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, q.Complete(ctx, "sig-1", market.QueueFilled))

	next := time.Now().Add(4 * time.Second)
	mock.ExpectExec(`UPDATE signal_queue`).
		WithArgs(string(market.QueuePending), "still broke", next, "sig-1", string(market.QueueInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, q.Retry(ctx, "sig-1", "still broke", next))

	mock.ExpectExec(`UPDATE signal_queue SET status`).
		WithArgs(string(market.QueueExpired), "sig-1", string(market.QueuePending), string(market.QueueInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, q.Expire(ctx, "sig-1"))

	mock.ExpectExec(`UPDATE signal_queue SET status`).
		WithArgs(string(market.QueueAbandoned), "max attempts exhausted", "sig-1", string(market.QueueInFlight)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	require.NoError(t, q.Abandon(ctx, "sig-1", "max attempts exhausted"))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBackoffExponentialAndCapped(t *testing.T) {
	q := NewQueue(nil, queueConfig())

	assert.Equal(t, time.Second, q.Backoff(0))
	assert.Equal(t, 2*time.Second, q.Backoff(1))
	assert.Equal(t, 4*time.Second, q.Backoff(2))
	assert.Equal(t, 32*time.Second, q.Backoff(5))
	// 2^10 seconds would exceed the 5 minute cap.
	assert.Equal(t, 5*time.Minute, q.Backoff(10))
	assert.Equal(t, 5*time.Minute, q.Backoff(60))
}

func TestDepth(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewQueue(mock, queueConfig())
	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(string(market.QueuePending)).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, depth)
}
