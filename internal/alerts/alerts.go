// Package alerts builds and delivers operational alerts. Critical alerts
// (chain breaks, risk pauses) go to Telegram when configured; everything
// is always logged.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

// Alert is one operator notification.
type Alert struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Format renders the alert for text channels.
func (a Alert) Format() string {
	return fmt.Sprintf("[%s] %s\n%s\n%s", a.Level, a.Title, a.Message, a.At.UTC().Format(time.RFC3339))
}

// Notifier delivers alerts to an external channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager routes alerts: every alert is logged, critical alerts are also
// delivered through the notifier when one is configured.
type Manager struct {
	notifier Notifier
	log      zerolog.Logger
}

// NewManager creates an alert manager. notifier may be nil.
func NewManager(notifier Notifier) *Manager {
	return &Manager{notifier: notifier, log: config.NewLogger("alerts")}
}

// Notify logs and, for critical alerts, delivers.
func (m *Manager) Notify(ctx context.Context, alert Alert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}

	event := m.log.Info()
	switch alert.Level {
	case LevelCritical:
		event = m.log.Error()
	case LevelWarning:
		event = m.log.Warn()
	}
	event.
		Str("title", alert.Title).
		Str("level", string(alert.Level)).
		Msg(alert.Message)

	if alert.Level == LevelCritical && m.notifier != nil {
		if err := m.notifier.Send(ctx, alert); err != nil {
			m.log.Error().Err(err).Str("title", alert.Title).Msg("Alert delivery failed")
		}
	}
}

// ChainBroken builds the integrity alert for a failed chain verification.
func ChainBroken(err error) Alert {
	return Alert{
		Level:   LevelCritical,
		Title:   "Signal hash chain broken",
		Message: fmt.Sprintf("Chain verification failed: %v. Trading is paused pending operator action.", err),
	}
}

// TradingPaused builds the alert for a risk-triggered pause.
func TradingPaused(reason string) Alert {
	return Alert{
		Level:   LevelCritical,
		Title:   "Trading paused",
		Message: fmt.Sprintf("Global trading pause tripped: %s", reason),
	}
}

// ProviderUnhealthy builds the alert for a degraded provider.
func ProviderUnhealthy(providerID string, successRate float64) Alert {
	return Alert{
		Level:   LevelWarning,
		Title:   "Provider unhealthy",
		Message: fmt.Sprintf("Provider %s success rate fell to %.0f%%", providerID, successRate*100),
	}
}
