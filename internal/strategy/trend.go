package strategy

import (
	"fmt"

	"tradeworker/pkg/types"
)

// Trend enters with a stacked EMA regime confirmed by RSI.
type Trend struct{}

func (*Trend) Name() string { return "trend" }

func (*Trend) Prepare(f *Frame, cfg types.StrategyConfig) error {
	if f.Len() == 0 {
		return fmt.Errorf("trend prepare: empty frame")
	}
	closes := f.Col("close")
	if err := f.SetCol("ema_fast", EMA(closes, atValue(cfg.EMAFast, 20))); err != nil {
		return err
	}
	if err := f.SetCol("ema_slow", EMA(closes, atValue(cfg.EMASlow, 50))); err != nil {
		return err
	}
	if err := f.SetCol("ema_trend", EMA(closes, atValue(cfg.EMATrend, 100))); err != nil {
		return err
	}
	if err := f.SetCol("rsi", RSI(closes, atValue(cfg.RSIPeriod, 14))); err != nil {
		return err
	}
	return f.SetCol("atr", ATR(f.Col("high"), f.Col("low"), closes, atValue(cfg.ATRPeriod, 14)))
}

func (*Trend) LongSignal(row Row, cfg types.StrategyConfig) bool {
	fast, slow, trend := row.Get("ema_fast"), row.Get("ema_slow"), row.Get("ema_trend")
	return fast > slow && slow > trend && row.Get("rsi") >= cfg.RSIEntryLong
}

func (*Trend) ShortSignal(row Row, cfg types.StrategyConfig) bool {
	fast, slow, trend := row.Get("ema_fast"), row.Get("ema_slow"), row.Get("ema_trend")
	return fast < slow && slow < trend && row.Get("rsi") <= cfg.RSIEntryShort
}
