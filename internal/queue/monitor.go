package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/broker"
	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/risk"
)

// Monitor polls broker account state on a cadence and signals the queue
// processor on positive transitions: buying power restored above the
// retry threshold, a position closed, or a timed pause expiring. It runs
// on its own long-lived goroutine, never sharing the cycle pool.
type Monitor struct {
	broker broker.Broker
	pause  *risk.PauseController
	cfg    config.QueueConfig
	wake   chan struct{}
	log    zerolog.Logger

	lastBuyingPower float64
	lastSymbols     map[string]bool
	lastPaused      bool
}

// NewMonitor creates an account-state monitor.
func NewMonitor(b broker.Broker, pause *risk.PauseController, cfg config.QueueConfig) *Monitor {
	return &Monitor{
		broker:      b,
		pause:       pause,
		cfg:         cfg,
		wake:        make(chan struct{}, 1),
		log:         config.NewLogger("account_monitor"),
		lastSymbols: make(map[string]bool),
	}
}

// Wake is the channel the processor selects on.
func (m *Monitor) Wake() <-chan struct{} {
	return m.wake
}

// Notify wakes the queue processor without waiting for its timer; poll
// calls it on each positive account transition.
func (m *Monitor) Notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run polls until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	period := time.Duration(m.cfg.MonitorPeriodS) * time.Second
	if period <= 0 {
		period = 60 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	m.log.Info().Dur("period", period).Msg("Account state monitor started")

	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Account state monitor stopped")
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

// poll fetches account state and fires the wake channel on transitions.
func (m *Monitor) poll(ctx context.Context) {
	account, err := m.broker.GetAccount(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Account poll failed")
		return
	}
	positions, err := m.broker.GetPositions(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Positions poll failed")
		return
	}

	woke := false

	// Buying power crossing the retry threshold from below.
	if m.lastBuyingPower < m.cfg.MinBPToRetry && account.BuyingPower >= m.cfg.MinBPToRetry {
		m.log.Info().
			Float64("buying_power", account.BuyingPower).
			Float64("threshold", m.cfg.MinBPToRetry).
			Msg("Buying power restored")
		woke = true
	}
	m.lastBuyingPower = account.BuyingPower

	// Any previously open symbol that is no longer open.
	current := make(map[string]bool, len(positions))
	for _, p := range positions {
		current[p.Symbol] = true
	}
	for sym := range m.lastSymbols {
		if !current[sym] {
			m.log.Info().Str("symbol", sym).Msg("Position closed")
			woke = true
		}
	}
	m.lastSymbols = current

	// Timed pauses expire lazily inside Paused; a pause -> unpaused
	// transition (session boundary) is itself a retry opportunity.
	paused, _ := m.pause.Paused()
	if m.lastPaused && !paused {
		m.log.Info().Msg("Trading pause lifted")
		woke = true
	}
	m.lastPaused = paused

	if woke {
		m.Notify()
	}
}
