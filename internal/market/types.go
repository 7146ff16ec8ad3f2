// Package market defines the closed domain records that flow through the
// signal pipeline. Provider adapters convert their native payloads into
// these types at the boundary; nothing downstream deals in raw maps.
package market

import (
	"fmt"
	"time"
)

// AssetClass determines trading-hours applicability, tick handling and
// provider routing for a symbol.
type AssetClass string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassCrypto AssetClass = "crypto"
)

// Symbol is an opaque ticker plus its asset class.
type Symbol struct {
	Ticker string     `json:"symbol" mapstructure:"symbol"`
	Class  AssetClass `json:"asset_class" mapstructure:"asset_class"`
}

// Direction is a provider's directional vote for one symbol.
type Direction string

const (
	DirectionLong    Direction = "LONG"
	DirectionShort   Direction = "SHORT"
	DirectionNeutral Direction = "NEUTRAL"
)

// Vote returns the signed contribution of a direction (+1, 0, -1).
func (d Direction) Vote() float64 {
	switch d {
	case DirectionLong:
		return 1
	case DirectionShort:
		return -1
	default:
		return 0
	}
}

// Action is the tradeable side of an emitted signal.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Regime is a coarse classification of recent price action. A single
// regime applies per (symbol, cycle).
type Regime string

const (
	RegimeTrending      Regime = "TRENDING"
	RegimeConsolidation Regime = "CONSOLIDATION"
	RegimeVolatile      Regime = "VOLATILE"
	RegimeChop          Regime = "CHOP"
)

// ProviderKind decides whether a provider takes part in the primary
// market-data race. The registry's default weight is 1.0 for every kind.
type ProviderKind string

const (
	KindPrimaryMarket   ProviderKind = "PRIMARY_MARKET"
	KindSecondaryMarket ProviderKind = "SECONDARY_MARKET"
	KindTechnical       ProviderKind = "TECHNICAL"
	KindSentiment       ProviderKind = "SENTIMENT"
	KindAI              ProviderKind = "AI"
)

// QualityFlags records the gates a provider signal may fail.
type QualityFlags struct {
	Stale       bool `json:"stale"`
	Incomplete  bool `json:"incomplete"`
	OutOfBounds bool `json:"out_of_bounds"`
}

// ProviderSignal is what one provider returns for one symbol in one cycle.
// Confidence is clamped to [0, 100] by the registry on each fetch; NEUTRAL signals carry
// confidence but never a directional vote.
type ProviderSignal struct {
	ProviderID      string       `json:"provider_id"`
	Symbol          string       `json:"symbol"`
	FetchedAt       time.Time    `json:"fetched_at"`
	Direction       Direction    `json:"direction"`
	Confidence      float64      `json:"confidence"`
	IndicativePrice float64      `json:"indicative_price,omitempty"`
	HasPrice        bool         `json:"-"`
	Quality         QualityFlags `json:"quality_flags"`
}

// ClampConfidence forces the confidence into [0, 100].
func (ps *ProviderSignal) ClampConfidence() {
	if ps.Confidence < 0 {
		ps.Confidence = 0
	}
	if ps.Confidence > 100 {
		ps.Confidence = 100
	}
}

// Signal is one emitted trading decision. Once written it is never
// updated or deleted; SignalID is the SHA-256 content hash and
// PrevSignalHash links the tamper-evident chain.
type Signal struct {
	SignalID            string    `json:"signal_id"`
	PrevSignalHash      string    `json:"prev_signal_hash"`
	Symbol              string    `json:"symbol"`
	Action              Action    `json:"action"`
	EntryPrice          float64   `json:"entry_price"`
	TargetPrice         float64   `json:"target_price"`
	StopPrice           float64   `json:"stop_price"`
	Confidence          float64   `json:"confidence"`
	Regime              Regime    `json:"regime"`
	SourcesUsed         []string  `json:"sources_used"`
	Rationale           string    `json:"rationale"`
	GenerationLatencyMS int64     `json:"generation_latency_ms"`
	ServerTimestamp     time.Time `json:"server_timestamp"`
	CreatedAt           time.Time `json:"created_at"`
	RetentionExpiresAt  time.Time `json:"retention_expires_at"`
}

// MinRationaleLen is the minimum accepted rationale length.
const MinRationaleLen = 20

// Validate enforces the signal invariants: price ordering per side and a
// non-trivial rationale.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("signal has empty symbol")
	}
	if len(s.Rationale) < MinRationaleLen {
		return fmt.Errorf("rationale too short: %d chars, need %d", len(s.Rationale), MinRationaleLen)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("entry price must be positive, got %v", s.EntryPrice)
	}
	switch s.Action {
	case ActionBuy:
		if !(s.StopPrice < s.EntryPrice && s.EntryPrice < s.TargetPrice) {
			return fmt.Errorf("BUY requires stop < entry < target, got stop=%v entry=%v target=%v",
				s.StopPrice, s.EntryPrice, s.TargetPrice)
		}
	case ActionSell:
		if !(s.TargetPrice < s.EntryPrice && s.EntryPrice < s.StopPrice) {
			return fmt.Errorf("SELL requires target < entry < stop, got target=%v entry=%v stop=%v",
				s.TargetPrice, s.EntryPrice, s.StopPrice)
		}
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// PositionSide is the normalized side of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position is a broker position normalized to an explicit side with
// positive quantity, regardless of the broker's signed-qty convention.
type Position struct {
	Symbol     string       `json:"symbol"`
	Side       PositionSide `json:"side"`
	Qty        float64      `json:"qty"`
	EntryPrice float64      `json:"entry_price"`
	OpenedAt   time.Time    `json:"opened_at"`
}

// OrderSide is the side of a broker order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the broker order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of a broker order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusAccepted        OrderStatus = "ACCEPTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
)

// Terminal reports whether the order will not transition again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled:
		return true
	}
	return false
}

// Order is a normalized broker order.
type Order struct {
	OrderID    string      `json:"order_id"`
	Symbol     string      `json:"symbol"`
	Side       OrderSide   `json:"side"`
	Qty        float64     `json:"qty"`
	Type       OrderType   `json:"type"`
	LimitPrice float64     `json:"limit_price,omitempty"`
	Status     OrderStatus `json:"status"`
	FilledQty  float64     `json:"filled_qty"`
	FillPrice  float64     `json:"fill_price"`
}

// Account is a point-in-time broker account snapshot.
type Account struct {
	Equity      float64   `json:"equity"`
	BuyingPower float64   `json:"buying_power"`
	DayPnL      float64   `json:"day_pnl"`
	DayPnLPct   float64   `json:"day_pnl_pct"`
	Blocked     bool      `json:"blocked"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// QueueStatus is the state of a deferred signal. Transitions form a DAG:
// PENDING -> IN_FLIGHT -> {PENDING, FILLED, ABANDONED, EXPIRED}, PENDING -> EXPIRED.
type QueueStatus string

const (
	QueuePending   QueueStatus = "PENDING"
	QueueInFlight  QueueStatus = "IN_FLIGHT"
	QueueFilled    QueueStatus = "FILLED"
	QueueExpired   QueueStatus = "EXPIRED"
	QueueAbandoned QueueStatus = "ABANDONED"
)

// QueuedSignal is a signal whose execution was deferred for a recoverable
// reason, pending re-attempt.
type QueuedSignal struct {
	SignalID         string      `json:"signal_id"`
	Payload          Signal      `json:"payload"`
	EnqueuedAt       time.Time   `json:"enqueued_at"`
	Attempts         int         `json:"attempts"`
	LastErrorReason  string      `json:"last_error_reason"`
	NextAttemptAfter time.Time   `json:"next_attempt_after"`
	Status           QueueStatus `json:"status"`
}

// HealthStatus is the derived health of a provider.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthDegraded  HealthStatus = "DEGRADED"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)
