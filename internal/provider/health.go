package provider

import (
	"sync"
	"time"

	"github.com/tradeflux/tradeflux/internal/market"
)

// healthWindow bounds the rolling outcome window per provider.
const healthWindow = 50

// degradedBelow and unhealthyBelow are the success-rate thresholds used to
// derive a status once minHealthSamples outcomes have been observed.
const (
	degradedBelow    = 0.90
	unhealthyBelow   = 0.50
	minHealthSamples = 5
)

// outcome is one recorded fetch result.
type outcome struct {
	success bool
	latency time.Duration
	at      time.Time
}

// HealthTracker keeps a rolling window of fetch outcomes for one provider
// and derives a coarse status from it.
type HealthTracker struct {
	mu                  sync.Mutex
	window              []outcome
	consecutiveFailures int
	lastSuccess         time.Time
}

// HealthSnapshot is the derived health of a provider at a point in time.
type HealthSnapshot struct {
	Status              market.HealthStatus `json:"status"`
	SuccessRate         float64             `json:"success_rate"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	AvgLatencyMS        int64               `json:"avg_latency_ms"`
	LastSuccess         time.Time           `json:"last_success,omitempty"`
	Samples             int                 `json:"samples"`
}

// NewHealthTracker creates an empty tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{window: make([]outcome, 0, healthWindow)}
}

// Record adds one fetch outcome to the window.
func (h *HealthTracker) Record(success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.window = append(h.window, outcome{success: success, latency: latency, at: time.Now()})
	if len(h.window) > healthWindow {
		h.window = h.window[len(h.window)-healthWindow:]
	}

	if success {
		h.consecutiveFailures = 0
		h.lastSuccess = time.Now()
	} else {
		h.consecutiveFailures++
	}
}

// Snapshot derives the current health.
func (h *HealthTracker) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	snap := HealthSnapshot{
		Status:              market.HealthHealthy,
		SuccessRate:         1.0,
		ConsecutiveFailures: h.consecutiveFailures,
		LastSuccess:         h.lastSuccess,
		Samples:             len(h.window),
	}

	if len(h.window) == 0 {
		return snap
	}

	var successes int
	var totalLatency time.Duration
	for _, o := range h.window {
		if o.success {
			successes++
		}
		totalLatency += o.latency
	}
	snap.SuccessRate = float64(successes) / float64(len(h.window))
	snap.AvgLatencyMS = (totalLatency / time.Duration(len(h.window))).Milliseconds()

	if len(h.window) >= minHealthSamples {
		switch {
		case snap.SuccessRate < unhealthyBelow:
			snap.Status = market.HealthUnhealthy
		case snap.SuccessRate < degradedBelow:
			snap.Status = market.HealthDegraded
		}
	}

	return snap
}
