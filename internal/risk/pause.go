package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/metrics"
)

// PauseController holds the global trading pause flag. Risk-gate layers 3
// and 4 trip it, the operator API toggles it, and a timed loss-limit pause
// clears itself in Paused once its session-boundary expiry has passed.
type PauseController struct {
	mu     sync.RWMutex
	paused bool
	reason string
	since  time.Time
	until  time.Time // zero = until explicitly resumed
	log    zerolog.Logger
}

// NewPauseController creates an unpaused controller.
func NewPauseController() *PauseController {
	return &PauseController{log: config.NewLogger("pause")}
}

// Pause trips the pause flag. A zero until pauses indefinitely.
func (p *PauseController) Pause(reason string, until time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
	p.reason = reason
	p.since = time.Now()
	p.until = until
	metrics.TradingPaused.Set(1)
	p.log.Warn().
		Str("reason", reason).
		Time("until", until).
		Msg("Trading paused")
}

// Resume clears the pause flag. Idempotent.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	p.reason = ""
	p.until = time.Time{}
	metrics.TradingPaused.Set(0)
	p.log.Info().Msg("Trading resumed")
}

// Paused reports the current pause state, expiring timed pauses lazily.
func (p *PauseController) Paused() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused && !p.until.IsZero() && time.Now().After(p.until) {
		p.paused = false
		p.reason = ""
		metrics.TradingPaused.Set(0)
		p.log.Info().Msg("Timed trading pause expired")
	}
	return p.paused, p.reason
}

// Until returns the scheduled expiry of the current pause (zero if none).
func (p *PauseController) Until() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.until
}

// NextSessionBoundary returns the next UTC midnight after now; daily-loss
// pauses persist until then.
func NextSessionBoundary(now time.Time) time.Time {
	next := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
	return next
}
