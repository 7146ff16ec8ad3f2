package market

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// Canonical serialization rules: UTF-8 JSON, keys sorted lexicographically,
// no insignificant whitespace, numbers in shortest round-trip form,
// timestamps RFC 3339 UTC with millisecond precision. The content hash is
// SHA-256 over this encoding with signal_id and prev_signal_hash omitted.
// The rule is bit-exact; any consumer can reproduce it.

// CanonicalTimeFormat renders RFC 3339 UTC with millisecond precision.
const CanonicalTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// ContentHash computes the SHA-256 content hash of the signal, hex encoded.
// SignalID and PrevSignalHash do not participate.
func (s *Signal) ContentHash() string {
	sum := sha256.Sum256(s.canonicalContent())
	return hex.EncodeToString(sum[:])
}

// CanonicalJSON renders the full wire form of the signal, including
// signal_id and prev_signal_hash, under the canonical rules.
func (s *Signal) CanonicalJSON() []byte {
	fields := s.contentFields()
	fields["signal_id"] = s.SignalID
	fields["prev_signal_hash"] = s.PrevSignalHash
	return encodeCanonical(fields)
}

// canonicalContent renders only the hashed content fields.
func (s *Signal) canonicalContent() []byte {
	return encodeCanonical(s.contentFields())
}

func (s *Signal) contentFields() map[string]any {
	sources := make([]string, len(s.SourcesUsed))
	copy(sources, s.SourcesUsed)
	sort.Strings(sources)

	return map[string]any{
		"symbol":                s.Symbol,
		"action":                string(s.Action),
		"entry_price":           s.EntryPrice,
		"target_price":          s.TargetPrice,
		"stop_price":            s.StopPrice,
		"confidence":            s.Confidence,
		"regime":                string(s.Regime),
		"sources_used":          sources,
		"rationale":             s.Rationale,
		"server_timestamp":      s.ServerTimestamp,
		"generation_latency_ms": s.GenerationLatencyMS,
		"created_at":            s.CreatedAt,
	}
}

// encodeCanonical writes a JSON object with lexicographically sorted keys.
func encodeCanonical(fields map[string]any) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		appendString(&buf, k)
		buf.WriteByte(':')
		appendValue(&buf, fields[k])
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func appendValue(buf *bytes.Buffer, v any) {
	switch val := v.(type) {
	case string:
		appendString(buf, val)
	case float64:
		buf.WriteString(formatFloat(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case time.Time:
		appendString(buf, val.UTC().Format(CanonicalTimeFormat))
	case []string:
		buf.WriteByte('[')
		for i, s := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			appendString(buf, s)
		}
		buf.WriteByte(']')
	default:
		// Closed field set; reaching here is a programming error.
		panic(fmt.Sprintf("canonical encoding: unsupported type %T", v))
	}
}

// appendString writes a JSON string without HTML escaping so the encoding
// matches what non-Go consumers produce.
func appendString(buf *bytes.Buffer, s string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encode appends a trailing newline; strip it.
	if err := enc.Encode(s); err != nil {
		panic(fmt.Sprintf("canonical encoding: %v", err))
	}
	buf.Truncate(buf.Len() - 1)
}

// formatFloat renders the shortest decimal that round-trips to the same
// float64, matching encoding/json's number formatting.
func formatFloat(f float64) string {
	abs := f
	if abs < 0 {
		abs = -abs
	}
	fmtByte := byte('f')
	if abs != 0 && (abs < 1e-6 || abs >= 1e21) {
		fmtByte = 'e'
	}
	return string(strconv.AppendFloat(nil, f, fmtByte, -1, 64))
}

// Seal stamps the signal with its content hash and chain link. The caller
// provides the signal_id of the previously emitted signal.
func (s *Signal) Seal(prevSignalID string) {
	s.PrevSignalHash = prevSignalID
	s.SignalID = s.ContentHash()
}

// VerifySealed recomputes the content hash and reports whether it still
// matches SignalID. Used by chain verification; any bit flip in a content
// field changes the hash.
func (s *Signal) VerifySealed() bool {
	return s.SignalID == s.ContentHash()
}
