package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/market"
)

var btc = market.Symbol{Ticker: "BTCUSDT", Class: market.AssetClassCrypto}

func newTestRegistry(t *testing.T, p DataProvider, cfg *config.ProviderConfig) *Registry {
	t.Helper()
	r := NewRegistry()
	r.Register(p, cfg)
	return r
}

func TestRegistryFetchSuccess(t *testing.T) {
	p := NewStaticProvider("static-1", market.KindPrimaryMarket, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{
		Direction:       market.DirectionLong,
		Confidence:      80,
		IndicativePrice: 65000,
		HasPrice:        true,
	})
	r := newTestRegistry(t, p, &config.ProviderConfig{Enabled: true, Weight: 2.0})

	sig, err := r.Fetch(context.Background(), "static-1", btc)
	require.NoError(t, err)
	assert.Equal(t, "static-1", sig.ProviderID)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Equal(t, market.DirectionLong, sig.Direction)
	assert.Equal(t, 2.0, r.Weight("static-1"))
}

func TestRegistryFetchClampsConfidence(t *testing.T) {
	p := NewStaticProvider("static-1", market.KindSentiment, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{Direction: market.DirectionLong, Confidence: 250})
	r := newTestRegistry(t, p, nil)

	sig, err := r.Fetch(context.Background(), "static-1", btc)
	require.NoError(t, err)
	assert.Equal(t, 100.0, sig.Confidence)
}

func TestRegistryFlagsStaleSignals(t *testing.T) {
	p := NewStaticProvider("static-1", market.KindSentiment, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{
		Direction:  market.DirectionLong,
		Confidence: 80,
		FetchedAt:  time.Now().Add(-10 * time.Minute),
	})
	r := newTestRegistry(t, p, &config.ProviderConfig{StaleAfterS: 60})

	sig, err := r.Fetch(context.Background(), "static-1", btc)
	require.NoError(t, err)
	assert.True(t, sig.Quality.Stale)
}

func TestRegistryFlagsBelowFloor(t *testing.T) {
	p := NewStaticProvider("static-1", market.KindSentiment, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{Direction: market.DirectionLong, Confidence: 30})
	r := newTestRegistry(t, p, &config.ProviderConfig{ConfidenceFloor: 50})

	sig, err := r.Fetch(context.Background(), "static-1", btc)
	require.NoError(t, err)
	assert.True(t, sig.Quality.OutOfBounds)
}

func TestRegistryUnsupportedAssetClass(t *testing.T) {
	p := NewStaticProvider("equities-only", market.KindPrimaryMarket, market.AssetClassEquity)
	r := newTestRegistry(t, p, nil)

	_, err := r.Fetch(context.Background(), "equities-only", btc)
	require.Error(t, err)
	assert.Equal(t, ErrUnsupportedSymbol, KindOf(err))
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Fetch(context.Background(), "ghost", btc)
	assert.Error(t, err)
}

func TestRegistryBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	p := NewStaticProvider("flaky", market.KindSentiment, market.AssetClassCrypto)
	p.SetError(errors.New("upstream 503"))
	r := newTestRegistry(t, p, nil)

	for i := 0; i < BreakerFailureThreshold; i++ {
		_, err := r.Fetch(context.Background(), "flaky", btc)
		require.Error(t, err)
	}
	assert.Equal(t, "open", r.BreakerState("flaky"))

	// Short-circuited: the provider itself is no longer called.
	callsBefore := p.Calls()
	_, err := r.Fetch(context.Background(), "flaky", btc)
	require.Error(t, err)
	assert.Equal(t, ErrUpstreamDown, KindOf(err))
	assert.Equal(t, callsBefore, p.Calls())
}

func TestRegistryRateLimitTimeout(t *testing.T) {
	p := NewStaticProvider("slow-bucket", market.KindSentiment, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{Direction: market.DirectionLong, Confidence: 70})
	// One token per minute, burst 1: second call cannot acquire in time.
	r := newTestRegistry(t, p, &config.ProviderConfig{
		RatePerSec:    1.0 / 60.0,
		Burst:         1,
		RateMaxWaitMS: 10,
	})

	_, err := r.Fetch(context.Background(), "slow-bucket", btc)
	require.NoError(t, err)

	_, err = r.Fetch(context.Background(), "slow-bucket", btc)
	require.Error(t, err)
	assert.Equal(t, ErrRateLimited, KindOf(err))
}

func TestRegistryHealthTracking(t *testing.T) {
	p := NewStaticProvider("static-1", market.KindSentiment, market.AssetClassCrypto)
	p.SetSignal("BTCUSDT", market.ProviderSignal{Direction: market.DirectionLong, Confidence: 70})
	r := newTestRegistry(t, p, nil)

	for i := 0; i < 5; i++ {
		_, err := r.Fetch(context.Background(), "static-1", btc)
		require.NoError(t, err)
	}

	snaps := r.HealthSnapshots()
	require.Contains(t, snaps, "static-1")
	assert.Equal(t, market.HealthHealthy, snaps["static-1"].Status)
	assert.Equal(t, 1.0, snaps["static-1"].SuccessRate)
}

func TestProvidersForSplitsPrimary(t *testing.T) {
	r := NewRegistry()
	r.Register(NewStaticProvider("primary-a", market.KindPrimaryMarket, market.AssetClassCrypto), nil)
	r.Register(NewStaticProvider("primary-b", market.KindPrimaryMarket, market.AssetClassCrypto), nil)
	r.Register(NewStaticProvider("tech", market.KindTechnical, market.AssetClassCrypto), nil)
	r.Register(NewStaticProvider("equity-only", market.KindPrimaryMarket, market.AssetClassEquity), nil)

	primary, others := r.ProvidersFor(market.AssetClassCrypto)
	assert.ElementsMatch(t, []string{"primary-a", "primary-b"}, primary)
	assert.ElementsMatch(t, []string{"tech"}, others)

	assert.ElementsMatch(t, []string{"primary-a", "primary-b", "tech"}, r.CryptoCapable())
}

func TestErrorKindTransient(t *testing.T) {
	assert.True(t, ErrTimeout.Transient())
	assert.True(t, ErrRateLimited.Transient())
	assert.True(t, ErrUpstream5xx.Transient())
	assert.True(t, ErrUpstreamDown.Transient())
	assert.False(t, ErrAuth.Transient())
	assert.False(t, ErrMalformed.Transient())
	assert.False(t, ErrUnsupportedSymbol.Transient())
}
