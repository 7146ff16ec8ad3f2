// Package queue implements the deferred execution path: a durable store
// for rejected-but-recoverable signals, an account-state monitor that
// detects retry opportunities, and the processor that re-attempts them.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
	"github.com/tradeflux/tradeflux/internal/store"
)

// Queue is the durable deferred-signal store, keyed by signal_id. Claims
// flip rows PENDING -> IN_FLIGHT in a single statement so two processors
// cannot take the same item.
type Queue struct {
	pool store.DBPool
	cfg  config.QueueConfig
	log  zerolog.Logger
}

// NewQueue creates a queue over the given pool.
func NewQueue(pool store.DBPool, cfg config.QueueConfig) *Queue {
	return &Queue{pool: pool, cfg: cfg, log: config.NewLogger("signal_queue")}
}

// Enqueue inserts a deferred signal. Re-enqueueing an existing signal_id
// is a no-op; the original row keeps its attempt history.
func (q *Queue) Enqueue(ctx context.Context, qs market.QueuedSignal) error {
	payload, err := json.Marshal(qs.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal queued signal payload: %w", err)
	}

	if qs.EnqueuedAt.IsZero() {
		qs.EnqueuedAt = time.Now().UTC()
	}
	nextAttempt := qs.NextAttemptAfter
	if nextAttempt.IsZero() {
		nextAttempt = qs.EnqueuedAt.Add(q.Backoff(0))
	}

	_, err = q.pool.Exec(ctx, `
		INSERT INTO signal_queue (signal_id, payload, enqueued_at, attempts, last_error_reason, next_attempt_after, status)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		ON CONFLICT (signal_id) DO NOTHING`,
		qs.SignalID, payload, qs.EnqueuedAt, qs.LastErrorReason, nextAttempt, string(market.QueuePending),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue signal: %w", err)
	}

	q.log.Info().
		Str("signal_id", qs.SignalID).
		Str("reason", qs.LastErrorReason).
		Time("next_attempt_after", nextAttempt).
		Msg("Signal enqueued for deferred execution")
	return nil
}

// ClaimNext atomically claims up to limit eligible rows, marking them
// IN_FLIGHT. Eligible means PENDING with next_attempt_after in the past.
func (q *Queue) ClaimNext(ctx context.Context, limit int) ([]market.QueuedSignal, error) {
	rows, err := q.pool.Query(ctx, `
		UPDATE signal_queue SET status = $1, updated_at = NOW()
		WHERE signal_id IN (
			SELECT signal_id FROM signal_queue
			WHERE status = $2 AND next_attempt_after <= NOW()
			ORDER BY enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING signal_id, payload, enqueued_at, attempts, last_error_reason, next_attempt_after, status`,
		string(market.QueueInFlight), string(market.QueuePending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim queued signals: %w", err)
	}
	defer rows.Close()

	var out []market.QueuedSignal
	for rows.Next() {
		var qs market.QueuedSignal
		var payload []byte
		var status string
		if err := rows.Scan(&qs.SignalID, &payload, &qs.EnqueuedAt, &qs.Attempts,
			&qs.LastErrorReason, &qs.NextAttemptAfter, &status); err != nil {
			return nil, fmt.Errorf("failed to scan queued signal: %w", err)
		}
		if err := json.Unmarshal(payload, &qs.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queued signal payload: %w", err)
		}
		qs.Status = market.QueueStatus(status)
		out = append(out, qs)
	}
	return out, rows.Err()
}

// Complete marks an in-flight row with its terminal outcome.
func (q *Queue) Complete(ctx context.Context, signalID string, outcome market.QueueStatus) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE signal_queue SET status = $1, updated_at = NOW()
		WHERE signal_id = $2 AND status = $3`,
		string(outcome), signalID, string(market.QueueInFlight))
	if err != nil {
		return fmt.Errorf("failed to complete queued signal: %w", err)
	}
	metrics.QueueOutcomes.WithLabelValues(string(outcome)).Inc()
	return nil
}

// Retry returns an in-flight row to PENDING with an incremented attempt
// count and the supplied next-attempt time.
func (q *Queue) Retry(ctx context.Context, signalID, reason string, nextAttempt time.Time) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE signal_queue
		SET status = $1, attempts = attempts + 1, last_error_reason = $2,
			next_attempt_after = $3, updated_at = NOW()
		WHERE signal_id = $4 AND status = $5`,
		string(market.QueuePending), reason, nextAttempt, signalID, string(market.QueueInFlight))
	if err != nil {
		return fmt.Errorf("failed to requeue signal: %w", err)
	}
	return nil
}

// Expire marks a row EXPIRED (stale: the market moved on).
func (q *Queue) Expire(ctx context.Context, signalID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE signal_queue SET status = $1, updated_at = NOW()
		WHERE signal_id = $2 AND status IN ($3, $4)`,
		string(market.QueueExpired), signalID, string(market.QueuePending), string(market.QueueInFlight))
	if err != nil {
		return fmt.Errorf("failed to expire queued signal: %w", err)
	}
	metrics.QueueOutcomes.WithLabelValues(string(market.QueueExpired)).Inc()
	return nil
}

// Abandon marks a row ABANDONED after its attempt budget is spent.
func (q *Queue) Abandon(ctx context.Context, signalID, reason string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE signal_queue SET status = $1, last_error_reason = $2, updated_at = NOW()
		WHERE signal_id = $3 AND status = $4`,
		string(market.QueueAbandoned), reason, signalID, string(market.QueueInFlight))
	if err != nil {
		return fmt.Errorf("failed to abandon queued signal: %w", err)
	}
	metrics.QueueOutcomes.WithLabelValues(string(market.QueueAbandoned)).Inc()
	return nil
}

// Depth returns the number of PENDING rows.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM signal_queue WHERE status = $1`, string(market.QueuePending)).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	metrics.QueueDepth.Set(float64(depth))
	return depth, nil
}

// Backoff computes the delay before the next attempt: base · 2^attempts,
// capped at the configured maximum.
func (q *Queue) Backoff(attempts int) time.Duration {
	base := time.Duration(q.cfg.BackoffBaseMS) * time.Millisecond
	max := time.Duration(q.cfg.BackoffMaxMS) * time.Millisecond
	d := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if d > max || d <= 0 {
		return max
	}
	return d
}
