package provider

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tradeflux/tradeflux/internal/market"
)

func TestHealthTrackerEmpty(t *testing.T) {
	h := NewHealthTracker()
	snap := h.Snapshot()
	assert.Equal(t, market.HealthHealthy, snap.Status)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Zero(t, snap.Samples)
}

func TestHealthTrackerDegraded(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 8; i++ {
		h.Record(true, 10*time.Millisecond)
	}
	for i := 0; i < 2; i++ {
		h.Record(false, 10*time.Millisecond)
	}
	snap := h.Snapshot()
	assert.Equal(t, market.HealthDegraded, snap.Status)
	assert.InDelta(t, 0.8, snap.SuccessRate, 1e-9)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
}

func TestHealthTrackerUnhealthy(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < 10; i++ {
		h.Record(false, time.Millisecond)
	}
	snap := h.Snapshot()
	assert.Equal(t, market.HealthUnhealthy, snap.Status)
	assert.Equal(t, 10, snap.ConsecutiveFailures)
}

func TestHealthTrackerTooFewSamplesStaysHealthy(t *testing.T) {
	h := NewHealthTracker()
	h.Record(false, time.Millisecond)
	h.Record(false, time.Millisecond)
	assert.Equal(t, market.HealthHealthy, h.Snapshot().Status)
}

func TestHealthTrackerSuccessResetsConsecutive(t *testing.T) {
	h := NewHealthTracker()
	h.Record(false, time.Millisecond)
	h.Record(false, time.Millisecond)
	h.Record(true, time.Millisecond)
	assert.Zero(t, h.Snapshot().ConsecutiveFailures)
}

func TestHealthTrackerWindowBounded(t *testing.T) {
	h := NewHealthTracker()
	for i := 0; i < healthWindow; i++ {
		h.Record(false, time.Millisecond)
	}
	// The failure window rolls off as successes accumulate.
	for i := 0; i < healthWindow; i++ {
		h.Record(true, time.Millisecond)
	}
	snap := h.Snapshot()
	assert.Equal(t, healthWindow, snap.Samples)
	assert.Equal(t, 1.0, snap.SuccessRate)
	assert.Equal(t, market.HealthHealthy, snap.Status)
}
