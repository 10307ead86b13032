package trading

import (
	"tradeworker/internal/state"
	"tradeworker/pkg/types"
)

// Exit reasons, persisted verbatim on the closed position row.
const (
	ExitStopLoss   = "SL_ATR"
	ExitTakeProfit = "TP_ATR"
	ExitTrailing   = "TRAIL_ATR"
)

// ExitReason evaluates the ATR exit ladder against the current price and
// returns the exit reason, or "" to hold. Stop-loss is checked first, then
// take-profit, then the trailing stop; the thresholds are disjoint so at most
// one can fire on a tick.
//
// The trailing stop arms once the favorable move reaches
// trail_start_r × sl_atr_mult × atr and stays armed for the life of the
// position: the high-water mark (peak_price for long, low_price for short)
// ratchets, the stop trails it by trail_atr_mult × atr, and the stop is
// consulted on every later tick even when price has retraced below the
// activation threshold. Threshold prices are cached on the state for the
// dashboard. trailingMoved reports whether the high-water mark advanced this
// tick. Caller must hold the state lock.
func ExitReason(st *state.PositionState, price, atr float64, cfg types.StrategyConfig) (reason string, trailingMoved bool) {
	if atr <= 0 {
		return "", false
	}

	sl := cfg.SLATRMult * atr
	tp := cfg.TPATRMult * atr
	trail := cfg.TrailATRMult * atr

	entry := st.EntryPrice

	switch st.Direction {
	case types.Long:
		st.StopPrice = entry - sl
		st.TakeProfitPrice = entry + tp

		diff := price - entry
		if diff <= -sl {
			return ExitStopLoss, false
		}
		if diff >= tp {
			return ExitTakeProfit, false
		}
		if !st.TrailingActive && diff >= cfg.TrailStartR*sl {
			st.TrailingActive = true
			trailingMoved = true
		}
		if st.TrailingActive {
			if price > st.PeakPrice {
				st.PeakPrice = price
				trailingMoved = true
			}
			st.TrailingStopPrice = st.PeakPrice - trail
			if price <= st.TrailingStopPrice {
				return ExitTrailing, trailingMoved
			}
		}

	case types.Short:
		st.StopPrice = entry + sl
		st.TakeProfitPrice = entry - tp

		diff := entry - price
		if diff <= -sl {
			return ExitStopLoss, false
		}
		if diff >= tp {
			return ExitTakeProfit, false
		}
		if !st.TrailingActive && diff >= cfg.TrailStartR*sl {
			st.TrailingActive = true
			trailingMoved = true
		}
		if st.TrailingActive {
			if price < st.LowPrice {
				st.LowPrice = price
				trailingMoved = true
			}
			st.TrailingStopPrice = st.LowPrice + trail
			if price >= st.TrailingStopPrice {
				return ExitTrailing, trailingMoved
			}
		}
	}

	return "", trailingMoved
}
