package market

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashDeterministic(t *testing.T) {
	a := validLongSignal()
	b := validLongSignal()
	assert.Equal(t, a.ContentHash(), b.ContentHash())
	assert.Len(t, a.ContentHash(), 64)
}

func TestContentHashIgnoresChainFields(t *testing.T) {
	s := validLongSignal()
	base := s.ContentHash()

	s.SignalID = "anything"
	s.PrevSignalHash = "anything-else"
	assert.Equal(t, base, s.ContentHash())
}

func TestContentHashSensitiveToEveryContentField(t *testing.T) {
	baseSignal := validLongSignal()
	base := baseSignal.ContentHash()

	mutations := map[string]func(*Signal){
		"symbol":     func(s *Signal) { s.Symbol = "AAPL" },
		"action":     func(s *Signal) { s.Action = ActionSell },
		"entry":      func(s *Signal) { s.EntryPrice += 0.01 },
		"target":     func(s *Signal) { s.TargetPrice += 0.01 },
		"stop":       func(s *Signal) { s.StopPrice += 0.01 },
		"confidence": func(s *Signal) { s.Confidence += 0.1 },
		"regime":     func(s *Signal) { s.Regime = RegimeVolatile },
		"sources":    func(s *Signal) { s.SourcesUsed = append(s.SourcesUsed, "extra") },
		"rationale":  func(s *Signal) { s.Rationale += "." },
		"latency":    func(s *Signal) { s.GenerationLatencyMS++ },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			s := validLongSignal()
			mutate(&s)
			assert.NotEqual(t, base, s.ContentHash(), "mutation %s must change the hash", name)
		})
	}
}

func TestContentHashSourceOrderInsensitive(t *testing.T) {
	a := validLongSignal()
	a.SourcesUsed = []string{"technical", "binance-spot"}
	b := validLongSignal()
	b.SourcesUsed = []string{"binance-spot", "technical"}
	assert.Equal(t, a.ContentHash(), b.ContentHash())
}

func TestCanonicalJSONSortedAndParseable(t *testing.T) {
	s := validLongSignal()
	s.Seal("")

	raw := s.CanonicalJSON()
	// Spaces occur only inside string values such as the rationale; the
	// separators themselves are compact.
	assert.NotContains(t, string(raw), "\": ")
	assert.NotContains(t, string(raw), ", \"")
	assert.NotContains(t, string(raw), "\n")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	for _, key := range []string{
		"signal_id", "prev_signal_hash", "symbol", "action", "entry_price",
		"target_price", "stop_price", "confidence", "regime", "sources_used",
		"rationale", "server_timestamp", "generation_latency_ms", "created_at",
	} {
		assert.Contains(t, decoded, key)
	}

	assert.Equal(t, s.SignalID, decoded["signal_id"])
	assert.Equal(t, "2025-06-01T14:30:00.000Z", decoded["server_timestamp"])
}

func TestSealRoundTrip(t *testing.T) {
	s := validLongSignal()
	s.Seal("prev-hash")

	require.Equal(t, "prev-hash", s.PrevSignalHash)
	require.NotEmpty(t, s.SignalID)
	assert.True(t, s.VerifySealed())

	// Round-trip through the wire form leaves the hash verifiable.
	var decoded Signal
	require.NoError(t, json.Unmarshal(s.CanonicalJSON(), &decoded))
	assert.Equal(t, s.SignalID, decoded.SignalID)
	assert.True(t, decoded.VerifySealed())

	// Tampering breaks verification.
	s.EntryPrice += 0.0001
	assert.False(t, s.VerifySealed())
}

func TestFormatFloatShortestRoundTrip(t *testing.T) {
	assert.Equal(t, "450", formatFloat(450))
	assert.Equal(t, "472.5", formatFloat(472.5))
	assert.Equal(t, "88.5", formatFloat(88.5))
	assert.Equal(t, "0.005", formatFloat(0.005))
	assert.Equal(t, "1e+21", formatFloat(1e21))
}
