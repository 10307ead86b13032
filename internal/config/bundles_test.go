package config

import (
	"encoding/json"
	"testing"
)

func TestNormalizeStrategyDefaults(t *testing.T) {
	t.Parallel()

	sc := NormalizeStrategy(nil)
	if sc.MinBars != 500 {
		t.Errorf("MinBars = %d, want 500", sc.MinBars)
	}
	if sc.SLATRMult != 1.5 || sc.TPATRMult != 3.5 {
		t.Errorf("exit mults = %v/%v, want 1.5/3.5", sc.SLATRMult, sc.TPATRMult)
	}
	if sc.PyramidingEnabled {
		t.Error("pyramiding should default off")
	}
	if !sc.VolumeFilterEnabled {
		t.Error("volume filter should default on")
	}
}

func TestNormalizeStrategyClampsPyramidLevels(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{"pyramiding_enabled":true,"max_pyramid_levels":9}`)
	sc := NormalizeStrategy(raw)
	if sc.MaxPyramidLevels != MaxPyramidLevels {
		t.Errorf("MaxPyramidLevels = %d, want %d", sc.MaxPyramidLevels, MaxPyramidLevels)
	}
	if !sc.PyramidingEnabled {
		t.Error("pyramiding_enabled lost during normalize")
	}
}

func TestNormalizeRiskClamps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want func(t *testing.T, got float64, trades int, notional float64)
	}{
		{
			name: "leverage above cap",
			raw:  `{"leverage":50}`,
			want: func(t *testing.T, lev float64, _ int, _ float64) {
				if lev != MaxLeverage {
					t.Errorf("leverage = %v, want %v", lev, MaxLeverage)
				}
			},
		},
		{
			name: "leverage below one",
			raw:  `{"leverage":0.2}`,
			want: func(t *testing.T, lev float64, _ int, _ float64) {
				if lev != 1.0 {
					t.Errorf("leverage = %v, want 1.0", lev)
				}
			},
		},
		{
			name: "trades per week above cap",
			raw:  `{"max_trades_per_week":500}`,
			want: func(t *testing.T, _ float64, trades int, _ float64) {
				if trades != MaxTradesPerWeek {
					t.Errorf("max_trades_per_week = %d, want %d", trades, MaxTradesPerWeek)
				}
			},
		},
		{
			name: "min notional floored",
			raw:  `{"min_notional_usd":1}`,
			want: func(t *testing.T, _ float64, _ int, notional float64) {
				if notional != MinNotionalUSD {
					t.Errorf("min_notional_usd = %v, want %v", notional, MinNotionalUSD)
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rc := NormalizeRisk(json.RawMessage(tt.raw))
			tt.want(t, rc.Leverage, rc.MaxTradesPerWeek, rc.MinNotionalUSD)
		})
	}
}

func TestNormalizeRiskAllocationBounds(t *testing.T) {
	t.Parallel()

	low := NormalizeRisk(json.RawMessage(`{"allocation_frac":0.001}`))
	if low.AllocationFrac != 0.05 {
		t.Errorf("allocation floor = %v, want 0.05", low.AllocationFrac)
	}
	high := NormalizeRisk(json.RawMessage(`{"allocation_frac":5}`))
	if high.AllocationFrac != MaxAllocationFrac {
		t.Errorf("allocation cap = %v, want %v", high.AllocationFrac, MaxAllocationFrac)
	}
}

func TestNormalizeExecution(t *testing.T) {
	t.Parallel()

	ec := NormalizeExecution(json.RawMessage(`{"poll_interval":5,"lookback_bars":9999,"max_slippage_bps":5000}`), "")
	// Standard tier floor (60s) exceeds the global minimum.
	if ec.PollInterval != 60 {
		t.Errorf("poll_interval = %d, want 60 (standard tier floor)", ec.PollInterval)
	}
	if ec.LookbackBars != MaxLookbackBars {
		t.Errorf("lookback_bars = %d, want %d", ec.LookbackBars, MaxLookbackBars)
	}
	if ec.MaxSlippageBPS != MaxSlippageBPS {
		t.Errorf("max_slippage_bps = %d, want %d", ec.MaxSlippageBPS, MaxSlippageBPS)
	}
	if ec.Timeframe != "1h" || ec.OrderType != "market" {
		t.Errorf("defaults lost: tf=%q type=%q", ec.Timeframe, ec.OrderType)
	}
}

func TestNormalizeExecutionTierFloor(t *testing.T) {
	t.Parallel()

	// fast_5s tier minimum (5s) is below the global floor; the global floor
	// still applies to the configured interval.
	ec := NormalizeExecution(json.RawMessage(`{"poll_interval":10,"polling_tier":"fast_5s"}`), "")
	if ec.PollInterval != MinPollSeconds {
		t.Errorf("poll_interval = %d, want global floor %d", ec.PollInterval, MinPollSeconds)
	}

	// Env override replaces the configured tier.
	ec = NormalizeExecution(json.RawMessage(`{"polling_tier":"fast_5s"}`), "standard")
	if ec.PollingTier != TierStandard {
		t.Errorf("tier = %q, want standard (override)", ec.PollingTier)
	}
}

func TestNormalizeControlDefaults(t *testing.T) {
	t.Parallel()

	cc := NormalizeControl(nil)
	if !cc.TradingEnabled {
		t.Error("trading_enabled should default true")
	}
	if cc.KillSwitch || cc.AdminOverride || cc.PauseRequested {
		t.Error("switches should default off")
	}

	cc = NormalizeControl(json.RawMessage(`{"trading_enabled":false,"kill_switch":true}`))
	if cc.TradingEnabled || !cc.KillSwitch {
		t.Errorf("got %+v, want trading off + kill switch on", cc)
	}
}

func TestNormalizeTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"fast_5s", TierFast5s},
		{" ULTRA_15S ", TierUltra15s},
		{"bogus", TierStandard},
		{"", TierStandard},
	}
	for _, tt := range tests {
		if got := NormalizeTier(tt.in); got != tt.want {
			t.Errorf("NormalizeTier(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
