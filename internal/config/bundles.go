package config

import (
	"encoding/json"

	"tradeworker/pkg/types"
)

// Bundle normalization. Each Normalize* starts from the bundle's defaults,
// overlays whatever JSON the persistence layer delivered (absent fields keep
// their defaults), and clamps the result against the safety constants. The
// same functions run at boot and on every control refresh.

func defaultStrategy() types.StrategyConfig {
	return types.StrategyConfig{
		MinBars:             500,
		SLATRMult:           1.5,
		TPATRMult:           3.5,
		TrailATRMult:        1.5,
		TrailStartR:         1.0,
		PyramidStep:         0.01,
		PyramidAddFrac:      0.5,
		ATRPeriod:           14,
		RangeLookback:       48,
		BreakoutBufferATR:   0.2,
		ConfirmCandles:      1,
		VolumeFilterEnabled: true,
		VolumeMAPeriod:      20,
		VolumeMult:          1.2,
		EMAFast:             20,
		EMASlow:             50,
		EMATrend:            100,
		RSIPeriod:           14,
		RSIEntryLong:        55,
		RSIEntryShort:       45,
		LongThreshold:       0.55,
		ShortThreshold:      -0.55,
	}
}

// NormalizeStrategy resolves the strategy bundle and clamps pyramiding depth.
func NormalizeStrategy(raw json.RawMessage) types.StrategyConfig {
	sc := defaultStrategy()
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &sc)
	}
	if sc.MinBars < 1 {
		sc.MinBars = 1
	}
	if sc.MaxPyramidLevels > MaxPyramidLevels {
		sc.MaxPyramidLevels = MaxPyramidLevels
	}
	if sc.MaxPyramidLevels < 0 {
		sc.MaxPyramidLevels = 0
	}
	return sc
}

// NormalizeRisk resolves the risk bundle and clamps sizing knobs.
func NormalizeRisk(raw json.RawMessage) types.RiskConfig {
	rc := types.RiskConfig{
		Leverage:         3.0,
		AllocationFrac:   0.5,
		MaxTradesPerWeek: 30,
		MinNotionalUSD:   15.0,
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &rc)
	}
	rc.Leverage = clamp(rc.Leverage, 1.0, MaxLeverage)
	rc.AllocationFrac = clamp(rc.AllocationFrac, 0.05, MaxAllocationFrac)
	if rc.MaxTradesPerWeek > MaxTradesPerWeek {
		rc.MaxTradesPerWeek = MaxTradesPerWeek
	}
	if rc.MaxTradesPerWeek < 0 {
		rc.MaxTradesPerWeek = 0
	}
	if rc.MinNotionalUSD < MinNotionalUSD {
		rc.MinNotionalUSD = MinNotionalUSD
	}
	return rc
}

// NormalizeExecution resolves the execution bundle. The poll interval floor
// is the greater of the global minimum and the tier minimum.
func NormalizeExecution(raw json.RawMessage, tierOverride string) types.ExecutionConfig {
	ec := types.ExecutionConfig{
		Timeframe:      "1h",
		PollInterval:   300,
		PollJitter:     10,
		LookbackBars:   700,
		OrderType:      "market",
		MaxSlippageBPS: 20,
		PollingTier:    TierStandard,
		MarginMode:     "cross",
	}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &ec)
	}
	if tierOverride != "" {
		ec.PollingTier = tierOverride
	}
	ec.PollingTier = NormalizeTier(ec.PollingTier)
	if ec.Timeframe == "" {
		ec.Timeframe = "1h"
	}
	floor := MinPollSeconds
	if tierMin := TierMinimumSeconds(ec.PollingTier); tierMin > floor {
		floor = tierMin
	}
	if ec.PollInterval < floor {
		ec.PollInterval = floor
	}
	if ec.PollJitter < 0 {
		ec.PollJitter = 0
	}
	if ec.LookbackBars > MaxLookbackBars {
		ec.LookbackBars = MaxLookbackBars
	}
	if ec.LookbackBars < 1 {
		ec.LookbackBars = 700
	}
	if ec.OrderType == "" {
		ec.OrderType = "market"
	}
	if ec.MaxSlippageBPS > MaxSlippageBPS {
		ec.MaxSlippageBPS = MaxSlippageBPS
	}
	if ec.MaxSlippageBPS < 0 {
		ec.MaxSlippageBPS = 0
	}
	if ec.MarginMode == "" {
		ec.MarginMode = "cross"
	}
	return ec
}

// NormalizeControl resolves the control bundle. trading_enabled defaults to
// true; every other switch defaults to off.
func NormalizeControl(raw json.RawMessage) types.ControlConfig {
	cc := types.ControlConfig{TradingEnabled: true}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &cc)
	}
	return cc
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
