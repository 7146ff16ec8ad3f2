// Package metrics exposes Prometheus instrumentation for the pipeline.
// All label sets are bounded; arbitrary errors are normalized into closed
// enums before becoming labels.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded cardinality constants for metric labels.
const (
	// Provider error categories (bounded set)
	ProviderErrorTimeout     = "timeout"
	ProviderErrorRateLimited = "rate_limited"
	ProviderErrorAuth        = "auth"
	ProviderErrorUpstream    = "upstream_5xx"
	ProviderErrorMalformed   = "malformed"
	ProviderErrorUnsupported = "unsupported_symbol"
	ProviderErrorDown        = "upstream_down"
	ProviderErrorOther       = "other"

	// Order outcome labels (bounded set)
	OrderOutcomeFilled   = "filled"
	OrderOutcomeAccepted = "accepted"
	OrderOutcomeRejected = "rejected"
	OrderOutcomeCanceled = "canceled"
	OrderOutcomeTimeout  = "timeout"
)

// NormalizeProviderError maps arbitrary provider errors to the bounded set.
func NormalizeProviderError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return ProviderErrorTimeout
	case strings.Contains(errStr, "rate"):
		return ProviderErrorRateLimited
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return ProviderErrorAuth
	case strings.Contains(errStr, "circuit") || strings.Contains(errStr, "breaker"):
		return ProviderErrorDown
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return ProviderErrorUpstream
	case strings.Contains(errStr, "unsupported"):
		return ProviderErrorUnsupported
	case strings.Contains(errStr, "malformed") || strings.Contains(errStr, "unmarshal") || strings.Contains(errStr, "parse"):
		return ProviderErrorMalformed
	default:
		return ProviderErrorOther
	}
}

// Signal pipeline metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_signals_generated_total",
		Help: "Signals persisted, by symbol and action",
	}, []string{"symbol", "action"})

	SignalsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_signals_suppressed_total",
		Help: "Cycles that produced no signal, by reason",
	}, []string{"reason"})

	SignalLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeflux_signal_generation_seconds",
		Help:    "Wall time from cycle start to persisted signal",
		Buckets: prometheus.DefBuckets,
	})

	ConsensusCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_consensus_cache_requests_total",
		Help: "Consensus cache lookups, by result (hit/miss)",
	}, []string{"result"})

	CyclesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_cycles_skipped_total",
		Help: "Per-symbol cycle dispatches skipped, by reason",
	}, []string{"reason"})
)

// Provider metrics
var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_provider_requests_total",
		Help: "Provider fetches, by provider and result",
	}, []string{"provider", "result"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeflux_provider_fetch_seconds",
		Help:    "Provider fetch latency",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	ProviderBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeflux_provider_breaker_state",
		Help: "Provider circuit breaker state (0=closed, 1=open, 2=half_open)",
	}, []string{"provider"})
)

// Execution metrics
var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_orders_submitted_total",
		Help: "Main orders submitted, by outcome",
	}, []string{"outcome"})

	OrderLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeflux_order_submission_seconds",
		Help:    "Main order submission latency",
		Buckets: prometheus.DefBuckets,
	})

	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_risk_rejections_total",
		Help: "Risk gate rejections, by layer reason",
	}, []string{"reason"})

	BracketIncomplete = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeflux_bracket_incomplete_total",
		Help: "Entries whose protective bracket was only partially placed",
	})

	TradesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeflux_trades_opened_total",
		Help: "Positions opened",
	})

	TradesClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeflux_trades_closed_total",
		Help: "Positions closed",
	})
)

// Queue metrics
var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflux_queue_depth",
		Help: "Pending deferred signals",
	})

	QueueOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_queue_outcomes_total",
		Help: "Deferred signal terminal outcomes",
	}, []string{"outcome"})
)

// Integrity and account metrics
var (
	ChainVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeflux_chain_verifications_total",
		Help: "Hash chain verification runs, by result (ok/mismatch)",
	}, []string{"result"})

	TradingPaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflux_trading_paused",
		Help: "1 when global trading pause is active",
	})

	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeflux_current_drawdown",
		Help: "Current drawdown from peak equity as a ratio",
	})
)
