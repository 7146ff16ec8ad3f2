package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/market"
)

func newMockStore(t *testing.T, head string) (*SignalStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	headQuery := mock.ExpectQuery(`SELECT signal_id FROM signals ORDER BY seq DESC LIMIT 1`)
	if head == "" {
		headQuery.WillReturnError(pgx.ErrNoRows)
	} else {
		headQuery.WillReturnRows(pgxmock.NewRows([]string{"signal_id"}).AddRow(head))
	}

	s, err := NewSignalStore(context.Background(), mock)
	require.NoError(t, err)
	return s, mock
}

func storeSignal() market.Signal {
	created := time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC)
	return market.Signal{
		Symbol:              "NVDA",
		Action:              market.ActionBuy,
		EntryPrice:          450,
		TargetPrice:         472.5,
		StopPrice:           436.5,
		Confidence:          88.5,
		Regime:              market.RegimeTrending,
		SourcesUsed:         []string{"binance-spot", "technical"},
		Rationale:           "unanimous long consensus across providers in trending regime",
		GenerationLatencyMS: 120,
		ServerTimestamp:     created,
		CreatedAt:           created,
		RetentionExpiresAt:  created.Add(90 * 24 * time.Hour),
	}
}

func TestWriteSealsAndChains(t *testing.T) {
	s, mock := newMockStore(t, "prev-head")

	mock.ExpectExec(`INSERT INTO signals`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	sig := storeSignal()
	created, err := s.Write(context.Background(), &sig)
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, "prev-head", sig.PrevSignalHash)
	assert.Equal(t, sig.ContentHash(), sig.SignalID)
	assert.Equal(t, sig.SignalID, s.Head())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteIdempotentOnConflict(t *testing.T) {
	s, mock := newMockStore(t, "")

	mock.ExpectExec(`INSERT INTO signals`).
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	sig := storeSignal()
	created, err := s.Write(context.Background(), &sig)
	require.NoError(t, err)
	assert.False(t, created)
	// A no-op write leaves the chain head alone.
	assert.Equal(t, "", s.Head())
}

func TestWriteRejectsInvalidSignal(t *testing.T) {
	s, _ := newMockStore(t, "")

	sig := storeSignal()
	sig.Rationale = "short"
	_, err := s.Write(context.Background(), &sig)
	assert.Error(t, err)
}

func TestVerifyChainPasses(t *testing.T) {
	s, mock := newMockStore(t, "")

	// Build a genuine two-link chain.
	first := storeSignal()
	first.Seal("")
	second := storeSignal()
	second.Confidence = 90
	second.Seal(first.SignalID)

	mock.ExpectQuery(`SELECT seq, signal_id`).
		WithArgs(int64(0)).
		WillReturnRows(chainRows(1, first, 2, second))

	require.NoError(t, s.VerifyChain(context.Background(), 0, 0))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	s, mock := newMockStore(t, "")

	first := storeSignal()
	first.Seal("")
	second := storeSignal()
	second.Confidence = 90
	second.Seal(first.SignalID)
	// Flip one bit in a stored content field after sealing.
	second.EntryPrice += 0.0001

	mock.ExpectQuery(`SELECT seq, signal_id`).
		WithArgs(int64(0)).
		WillReturnRows(chainRows(1, first, 2, second))

	err := s.VerifyChain(context.Background(), 0, 0)
	require.Error(t, err)
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(2), ce.Seq)
}

func TestVerifyChainDetectsBrokenLink(t *testing.T) {
	s, mock := newMockStore(t, "")

	first := storeSignal()
	first.Seal("")
	second := storeSignal()
	second.Confidence = 90
	second.Seal("not-the-first-hash")

	mock.ExpectQuery(`SELECT seq, signal_id`).
		WithArgs(int64(0)).
		WillReturnRows(chainRows(1, first, 2, second))

	err := s.VerifyChain(context.Background(), 0, 0)
	require.Error(t, err)
	var ce *ChainError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Detail, "does not link")
}

func TestLatestReturnsNilWhenEmpty(t *testing.T) {
	s, mock := newMockStore(t, "")

	mock.ExpectQuery(`SELECT (.+) FROM signals WHERE symbol`).
		WithArgs("NVDA").
		WillReturnError(pgx.ErrNoRows)

	sig, err := s.Latest(context.Background(), "NVDA")
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestRecordOutcome(t *testing.T) {
	s, mock := newMockStore(t, "")

	mock.ExpectExec(`INSERT INTO signal_outcomes`).
		WithArgs("sig-1", "CLOSED", 50.0, "closed LONG 10", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.RecordOutcome(context.Background(), "sig-1", "CLOSED", 50.0, "closed LONG 10"))
	require.NoError(t, mock.ExpectationsWereMet())
}

// chainRows builds mock rows for VerifyChain in (seq, signal...) order.
func chainRows(pairs ...any) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{
		"seq", "signal_id", "prev_signal_hash", "symbol", "action", "entry_price",
		"target_price", "stop_price", "confidence", "regime", "sources_used",
		"rationale", "generation_latency_ms", "server_timestamp", "created_at",
		"retention_expires_at",
	})
	for i := 0; i < len(pairs); i += 2 {
		seq := int64(pairs[i].(int))
		sig := pairs[i+1].(market.Signal)
		rows.AddRow(
			seq, sig.SignalID, sig.PrevSignalHash, sig.Symbol, string(sig.Action),
			sig.EntryPrice, sig.TargetPrice, sig.StopPrice, sig.Confidence,
			string(sig.Regime), sig.SourcesUsed, sig.Rationale, sig.GenerationLatencyMS,
			sig.ServerTimestamp, sig.CreatedAt, sig.RetentionExpiresAt,
		)
	}
	return rows
}
