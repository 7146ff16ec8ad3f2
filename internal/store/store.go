// Package store persists signals append-only with a tamper-evident hash
// chain, records audit and outcome rows, and publishes persisted signals
// to downstream subscribers.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
	"github.com/tradeflux/tradeflux/internal/metrics"
)

// DBPool is the subset of pgxpool.Pool the store uses; pgxmock satisfies
// it in tests.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ChainError reports a broken hash chain. It is an Integrity-class
// failure: the caller pauses the subsystem and alerts.
type ChainError struct {
	Seq      int64
	SignalID string
	Detail   string
}

// Error implements the error interface.
func (e *ChainError) Error() string {
	return fmt.Sprintf("HASH_MISMATCH at seq %d (signal %s): %s", e.Seq, e.SignalID, e.Detail)
}

const signalColumns = `signal_id, prev_signal_hash, symbol, action, entry_price, target_price,
	stop_price, confidence, regime, sources_used, rationale, generation_latency_ms,
	server_timestamp, created_at, retention_expires_at`

// SignalStore owns the signals table. Writes are serialized through a
// single mutex so the hash chain has one total order; parallel producers
// queue on the lock.
type SignalStore struct {
	pool DBPool
	log  zerolog.Logger

	mu   sync.Mutex
	head string // signal_id of the most recently written signal
}

// NewSignalStore creates a store and loads the current chain head.
func NewSignalStore(ctx context.Context, pool DBPool) (*SignalStore, error) {
	s := &SignalStore{pool: pool, log: config.NewLogger("signal_store")}

	var head string
	err := pool.QueryRow(ctx, `SELECT signal_id FROM signals ORDER BY seq DESC LIMIT 1`).Scan(&head)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to load chain head: %w", err)
	}
	s.head = head
	return s, nil
}

// Write seals the signal against the current chain head and inserts it.
// It is atomic and idempotent on signal_id: re-submitting an identical
// record is a no-op that returns created=false. The signal is mutated in
// place to carry its final SignalID and PrevSignalHash.
func (s *SignalStore) Write(ctx context.Context, sig *market.Signal) (created bool, err error) {
	if err := sig.Validate(); err != nil {
		return false, fmt.Errorf("refusing to persist invalid signal: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sig.Seal(s.head)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO signals (`+signalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (signal_id) DO NOTHING`,
		sig.SignalID, sig.PrevSignalHash, sig.Symbol, string(sig.Action),
		sig.EntryPrice, sig.TargetPrice, sig.StopPrice, sig.Confidence,
		string(sig.Regime), sig.SourcesUsed, sig.Rationale, sig.GenerationLatencyMS,
		sig.ServerTimestamp, sig.CreatedAt, sig.RetentionExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to write signal: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Identical content re-submitted: the chain head is unchanged.
		s.log.Debug().Str("signal_id", sig.SignalID).Msg("Duplicate signal write ignored")
		return false, nil
	}

	s.head = sig.SignalID
	metrics.SignalsGenerated.WithLabelValues(sig.Symbol, string(sig.Action)).Inc()
	s.log.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Float64("confidence", sig.Confidence).
		Msg("Signal persisted")
	return true, nil
}

// GetByID returns one signal by id.
func (s *SignalStore) GetByID(ctx context.Context, signalID string) (*market.Signal, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+signalColumns+` FROM signals WHERE signal_id = $1`, signalID)
	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("signal %s not found", signalID)
		}
		return nil, fmt.Errorf("failed to load signal: %w", err)
	}
	return sig, nil
}

// ListRecent returns the n most recent signals, newest first.
func (s *SignalStore) ListRecent(ctx context.Context, n int) ([]market.Signal, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+signalColumns+` FROM signals ORDER BY seq DESC LIMIT $1`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var out []market.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}
		out = append(out, *sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signal rows: %w", err)
	}
	return out, nil
}

// Latest returns the most recent signal for a symbol, or nil.
func (s *SignalStore) Latest(ctx context.Context, symbol string) (*market.Signal, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE symbol = $1 ORDER BY seq DESC LIMIT 1`, symbol)
	sig, err := scanSignal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load latest signal: %w", err)
	}
	return sig, nil
}

// VerifyChain recomputes content hashes and prev links over the given
// seq range (inclusive; to<=0 means no upper bound). The first mismatch
// stops the scan with a ChainError.
func (s *SignalStore) VerifyChain(ctx context.Context, from, to int64) error {
	query := `SELECT seq, ` + signalColumns + ` FROM signals WHERE seq >= $1`
	args := []any{from}
	if to > 0 {
		query += ` AND seq <= $2`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to scan chain: %w", err)
	}
	defer rows.Close()

	var prevID string
	first := true
	for rows.Next() {
		var seq int64
		sig, err := scanSignalWithSeq(rows, &seq)
		if err != nil {
			return fmt.Errorf("failed to scan chain row: %w", err)
		}

		if !sig.VerifySealed() {
			metrics.ChainVerifications.WithLabelValues("mismatch").Inc()
			return &ChainError{Seq: seq, SignalID: sig.SignalID, Detail: "content hash does not match signal_id"}
		}
		if !first && sig.PrevSignalHash != prevID {
			metrics.ChainVerifications.WithLabelValues("mismatch").Inc()
			return &ChainError{Seq: seq, SignalID: sig.SignalID,
				Detail: fmt.Sprintf("prev_signal_hash %s does not link to %s", sig.PrevSignalHash, prevID)}
		}
		prevID = sig.SignalID
		first = false
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating chain rows: %w", err)
	}

	metrics.ChainVerifications.WithLabelValues("ok").Inc()
	return nil
}

// RecordOutcome appends an outcome row for a signal.
func (s *SignalStore) RecordOutcome(ctx context.Context, signalID, kind string, pnl float64, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO signal_outcomes (signal_id, kind, pnl, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		signalID, kind, pnl, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// AuditEvent is one row of the append-only audit log. Rows are written by
// the storage-layer triggers that reject UPDATE and DELETE on signals.
type AuditEvent struct {
	ID          int64     `json:"id"`
	Operation   string    `json:"operation"`
	SignalID    string    `json:"signal_id"`
	Detail      string    `json:"detail"`
	AttemptedAt time.Time `json:"attempted_at"`
}

// AuditEvents returns the most recent audit rows, newest first.
func (s *SignalStore) AuditEvents(ctx context.Context, limit int) ([]AuditEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, operation, signal_id, detail, attempted_at
		FROM signal_audit_log ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit events: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var e AuditEvent
		if err := rows.Scan(&e.ID, &e.Operation, &e.SignalID, &e.Detail, &e.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Head returns the current chain head signal id.
func (s *SignalStore) Head() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// scanSignal scans one signal row in signalColumns order.
func scanSignal(row pgx.Row) (*market.Signal, error) {
	var sig market.Signal
	var action, regime string
	err := row.Scan(
		&sig.SignalID, &sig.PrevSignalHash, &sig.Symbol, &action,
		&sig.EntryPrice, &sig.TargetPrice, &sig.StopPrice, &sig.Confidence,
		&regime, &sig.SourcesUsed, &sig.Rationale, &sig.GenerationLatencyMS,
		&sig.ServerTimestamp, &sig.CreatedAt, &sig.RetentionExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	sig.Action = market.Action(action)
	sig.Regime = market.Regime(regime)
	return &sig, nil
}

// scanSignalWithSeq scans seq plus a signal row.
func scanSignalWithSeq(row pgx.Row, seq *int64) (*market.Signal, error) {
	var sig market.Signal
	var action, regime string
	err := row.Scan(
		seq,
		&sig.SignalID, &sig.PrevSignalHash, &sig.Symbol, &action,
		&sig.EntryPrice, &sig.TargetPrice, &sig.StopPrice, &sig.Confidence,
		&regime, &sig.SourcesUsed, &sig.Rationale, &sig.GenerationLatencyMS,
		&sig.ServerTimestamp, &sig.CreatedAt, &sig.RetentionExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	sig.Action = market.Action(action)
	sig.Regime = market.Regime(regime)
	return &sig, nil
}
