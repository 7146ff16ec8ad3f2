package config

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/tradeflux/tradeflux/internal/market"
)

// supportedConfigRange is the semver constraint on config_version. Files
// written for a newer major schema are refused rather than misread.
const supportedConfigRange = ">= 1.0.0, < 2.0.0"

// Validate checks the configuration for internal consistency. It is called
// by Load; a failed validation is a fatal startup error (MALFORMED_CONFIG).
func (c *Config) Validate() error {
	if err := c.validateVersion(); err != nil {
		return err
	}

	if c.Engine.CycleIntervalMS <= 0 {
		return fmt.Errorf("engine.cycle_interval_ms must be positive, got %d", c.Engine.CycleIntervalMS)
	}
	if c.Engine.MinPriceChangePct < 0 {
		return fmt.Errorf("engine.min_price_change_pct must be non-negative, got %v", c.Engine.MinPriceChangePct)
	}
	if c.Engine.ProfitTargetPct <= 0 || c.Engine.StopLossPct <= 0 {
		return fmt.Errorf("engine profit_target_pct and stop_loss_pct must be positive")
	}
	if c.Engine.MaxCycleWorkers <= 0 {
		return fmt.Errorf("engine.max_cycle_workers must be positive, got %d", c.Engine.MaxCycleWorkers)
	}
	for _, sym := range c.Engine.Symbols {
		if sym.Ticker == "" {
			return fmt.Errorf("engine.symbols contains an empty ticker")
		}
		switch sym.Class {
		case market.AssetClassEquity, market.AssetClassCrypto:
		default:
			return fmt.Errorf("symbol %s has unknown asset class %q", sym.Ticker, sym.Class)
		}
	}

	if c.Risk.PositionSizePct <= 0 || c.Risk.PositionSizePct > 1 {
		return fmt.Errorf("risk.position_size_pct must be in (0, 1], got %v", c.Risk.PositionSizePct)
	}
	if c.Risk.MaxPositionSizePct < c.Risk.PositionSizePct {
		return fmt.Errorf("risk.max_position_size_pct (%v) must be >= position_size_pct (%v)",
			c.Risk.MaxPositionSizePct, c.Risk.PositionSizePct)
	}
	if c.Risk.MarginBufferPct < 0 || c.Risk.MarginBufferPct >= 1 {
		return fmt.Errorf("risk.margin_buffer_pct must be in [0, 1), got %v", c.Risk.MarginBufferPct)
	}
	if c.Risk.MinConfidence < 0 || c.Risk.MinConfidence > 100 {
		return fmt.Errorf("risk.min_confidence must be in [0, 100], got %v", c.Risk.MinConfidence)
	}
	switch c.Risk.Profile {
	case "", "standard", "prop":
	default:
		return fmt.Errorf("risk.profile must be standard or prop, got %q", c.Risk.Profile)
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.queue_max_attempts must be positive, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BackoffBaseMS <= 0 || c.Queue.BackoffMaxMS < c.Queue.BackoffBaseMS {
		return fmt.Errorf("queue backoff settings invalid: base=%dms max=%dms",
			c.Queue.BackoffBaseMS, c.Queue.BackoffMaxMS)
	}

	for id, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		if p.Weight < 0 {
			return fmt.Errorf("provider %s has negative weight %v", id, p.Weight)
		}
		if p.ConfidenceFloor < 0 || p.ConfidenceFloor > 100 {
			return fmt.Errorf("provider %s confidence_floor must be in [0, 100], got %v", id, p.ConfidenceFloor)
		}
	}

	for regime := range c.Regime.Thresholds {
		switch market.Regime(regime) {
		case market.RegimeTrending, market.RegimeConsolidation, market.RegimeVolatile, market.RegimeChop:
		default:
			return fmt.Errorf("regime_thresholds contains unknown regime %q", regime)
		}
	}

	switch c.Broker.Kind {
	case "paper", "binance", "alpaca":
	default:
		return fmt.Errorf("broker.kind must be paper, binance or alpaca, got %q", c.Broker.Kind)
	}

	return nil
}

// validateVersion checks config_version against the supported range.
func (c *Config) validateVersion() error {
	if c.ConfigVersion == "" {
		return fmt.Errorf("config_version is required")
	}
	v, err := semver.NewVersion(c.ConfigVersion)
	if err != nil {
		return fmt.Errorf("config_version %q is not valid semver: %w", c.ConfigVersion, err)
	}
	constraint, err := semver.NewConstraint(supportedConfigRange)
	if err != nil {
		return fmt.Errorf("failed to parse version constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("config_version %s outside supported range %s", c.ConfigVersion, supportedConfigRange)
	}
	return nil
}

// RegimeThreshold resolves the minimum confidence gate for a regime.
func (c *RegimeConfig) RegimeThreshold(r market.Regime) float64 {
	if t, ok := c.Thresholds[string(r)]; ok {
		return t
	}
	return c.DefaultThreshold
}
