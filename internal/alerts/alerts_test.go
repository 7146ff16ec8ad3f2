package alerts

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memNotifier struct {
	mu   sync.Mutex
	sent []Alert
	err  error
}

func (m *memNotifier) Send(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, a)
	return nil
}

func TestManagerDeliversCriticalOnly(t *testing.T) {
	n := &memNotifier{}
	m := NewManager(n)
	ctx := context.Background()

	m.Notify(ctx, ProviderUnhealthy("binance-spot", 0.4))
	assert.Empty(t, n.sent, "warnings are logged, not delivered")

	m.Notify(ctx, ChainBroken(errors.New("HASH_MISMATCH at seq 12")))
	require.Len(t, n.sent, 1)
	assert.Equal(t, LevelCritical, n.sent[0].Level)
	assert.False(t, n.sent[0].At.IsZero())
}

func TestManagerSurvivesDeliveryFailure(t *testing.T) {
	n := &memNotifier{err: errors.New("network down")}
	m := NewManager(n)

	// Must not panic or propagate.
	m.Notify(context.Background(), TradingPaused("DAILY_LOSS_LIMIT"))
}

func TestManagerWithoutNotifier(t *testing.T) {
	m := NewManager(nil)
	m.Notify(context.Background(), ChainBroken(errors.New("x")))
}

func TestAlertFormat(t *testing.T) {
	a := ChainBroken(errors.New("prev link mismatch"))
	text := a.Format()
	assert.Contains(t, text, "CRITICAL")
	assert.Contains(t, text, "hash chain")
	assert.Contains(t, text, "prev link mismatch")
}

func TestAlertConstructors(t *testing.T) {
	assert.Equal(t, LevelCritical, TradingPaused("MAX_DRAWDOWN").Level)
	assert.Equal(t, LevelWarning, ProviderUnhealthy("x", 0.1).Level)
	assert.Contains(t, ProviderUnhealthy("x", 0.25).Message, "25%")
}
