package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/market"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, cfg.ConfigVersion)
	assert.Equal(t, 5000, cfg.Engine.CycleIntervalMS)
	assert.Equal(t, 0.005, cfg.Engine.MinPriceChangePct)
	assert.Equal(t, 0.05, cfg.Engine.ProfitTargetPct)
	assert.Equal(t, 0.03, cfg.Engine.StopLossPct)
	assert.True(t, cfg.Engine.PaperMode)
	assert.False(t, cfg.Engine.AutoExecute)
	assert.Equal(t, 85.0, cfg.Regime.RegimeThreshold(market.RegimeTrending))
	assert.Equal(t, 90.0, cfg.Regime.RegimeThreshold(market.RegimeConsolidation))
	assert.Equal(t, "paper", cfg.Broker.Kind)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
config_version: "1.1.0"
engine:
  cycle_interval_ms: 2000
  auto_execute: true
  symbols:
    - symbol: NVDA
      asset_class: equity
    - symbol: BTCUSDT
      asset_class: crypto
risk:
  position_size_pct: 0.10
  max_position_size_pct: 0.15
broker:
  kind: binance
  testnet: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Engine.CycleIntervalMS)
	assert.True(t, cfg.Engine.AutoExecute)
	require.Len(t, cfg.Engine.Symbols, 2)
	assert.Equal(t, market.AssetClassEquity, cfg.Engine.Symbols[0].Class)
	assert.Equal(t, "BTCUSDT", cfg.Engine.Symbols[1].Ticker)
	assert.Equal(t, "binance", cfg.Broker.Kind)
	assert.True(t, cfg.Broker.Testnet)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	t.Run("unsupported config version", func(t *testing.T) {
		cfg := base()
		cfg.ConfigVersion = "2.0.0"
		assert.Error(t, cfg.Validate())
	})

	t.Run("garbage config version", func(t *testing.T) {
		cfg := base()
		cfg.ConfigVersion = "not-a-version"
		assert.Error(t, cfg.Validate())
	})

	t.Run("zero cycle interval", func(t *testing.T) {
		cfg := base()
		cfg.Engine.CycleIntervalMS = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("max position below base position", func(t *testing.T) {
		cfg := base()
		cfg.Risk.PositionSizePct = 0.2
		cfg.Risk.MaxPositionSizePct = 0.1
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown asset class", func(t *testing.T) {
		cfg := base()
		cfg.Engine.Symbols = []market.Symbol{{Ticker: "X", Class: "forex"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown broker kind", func(t *testing.T) {
		cfg := base()
		cfg.Broker.Kind = "ftx"
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown regime in thresholds", func(t *testing.T) {
		cfg := base()
		cfg.Regime.Thresholds["SIDEWAYS"] = 80
		assert.Error(t, cfg.Validate())
	})
}

func TestRegimeThresholdFallback(t *testing.T) {
	rc := RegimeConfig{
		Thresholds:       map[string]float64{"TRENDING": 85},
		DefaultThreshold: 75,
	}
	assert.Equal(t, 85.0, rc.RegimeThreshold(market.RegimeTrending))
	assert.Equal(t, 75.0, rc.RegimeThreshold(market.RegimeVolatile))
}
