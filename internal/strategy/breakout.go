package strategy

import (
	"fmt"

	"tradeworker/pkg/types"
)

// Breakout enters when the close clears the trailing range extreme by an
// ATR-scaled buffer, optionally gated by a volume filter.
type Breakout struct{}

func (*Breakout) Name() string { return "breakout" }

func (*Breakout) Prepare(f *Frame, cfg types.StrategyConfig) error {
	if f.Len() == 0 {
		return fmt.Errorf("breakout prepare: empty frame")
	}
	atrPeriod := atValue(cfg.ATRPeriod, 14)
	if err := f.SetCol("atr", ATR(f.Col("high"), f.Col("low"), f.Col("close"), atrPeriod)); err != nil {
		return err
	}
	// The reference range excludes the current bar, otherwise the close could
	// never clear its own high.
	lb := atValue(cfg.RangeLookback, 48)
	if err := f.SetCol("range_high", shift(RollingMax(f.Col("high"), lb))); err != nil {
		return err
	}
	if err := f.SetCol("range_low", shift(RollingMin(f.Col("low"), lb))); err != nil {
		return err
	}
	if cfg.VolumeFilterEnabled {
		p := atValue(cfg.VolumeMAPeriod, 20)
		if err := f.SetCol("vol_ma", SMA(f.Col("volume"), p)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Breakout) LongSignal(row Row, cfg types.StrategyConfig) bool {
	atr := row.Get("atr")
	if !(atr > 0) {
		return false
	}
	confirm := atValue(cfg.ConfirmCandles, 1)
	level := row.Get("range_high") + cfg.BreakoutBufferATR*atr*float64(confirm)
	if !s.volumeOK(row, cfg) {
		return false
	}
	return row.Get("close") > level
}

func (s *Breakout) ShortSignal(row Row, cfg types.StrategyConfig) bool {
	atr := row.Get("atr")
	if !(atr > 0) {
		return false
	}
	confirm := atValue(cfg.ConfirmCandles, 1)
	level := row.Get("range_low") - cfg.BreakoutBufferATR*atr*float64(confirm)
	if !s.volumeOK(row, cfg) {
		return false
	}
	return row.Get("close") < level
}

func (*Breakout) volumeOK(row Row, cfg types.StrategyConfig) bool {
	if !cfg.VolumeFilterEnabled {
		return true
	}
	volMA := row.Get("vol_ma")
	if !(volMA > 0) {
		return true
	}
	return row.Get("volume") >= cfg.VolumeMult*volMA
}
