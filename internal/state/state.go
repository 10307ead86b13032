// Package state holds the in-memory position state for the single market the
// worker trades. One PositionState instance lives for the process lifetime;
// the loop mutates it and the background sync watcher reads snapshots.
package state

import (
	"sync"
	"time"

	"tradeworker/pkg/types"
)

// PositionState tracks the open position and the counters that survive it.
// All access goes through methods; the zero value is a flat book.
type PositionState struct {
	mu sync.Mutex

	InPosition bool
	PositionID string
	Direction  types.Direction
	EntryPrice float64
	EntryTime  string
	Qty        float64

	BaseNotional float64
	PeakPrice    float64
	LowPrice     float64
	AddedLevels  int

	WeekTradeCounts map[string]int
	LastExitTime    string
	LastCandleTime  string

	CumulativePnL    float64
	MaxUnrealizedPnL float64
	MinUnrealizedPnL float64
	LastPrice        float64
	UnrealizedPnL    float64

	StopPrice         float64
	TakeProfitPrice   float64
	TrailingStopPrice float64
	TrailingActive    bool
	ATR               float64
	LastManageTime    string
}

// New returns a flat state with an initialized week counter map.
func New() *PositionState {
	return &PositionState{WeekTradeCounts: make(map[string]int)}
}

// Lock serializes loop and watcher access. The loop holds it across a tick's
// mutations; Snapshot takes it briefly.
func (s *PositionState) Lock()   { s.mu.Lock() }
func (s *PositionState) Unlock() { s.mu.Unlock() }

// Snapshot returns a copy safe to read without holding the lock. The week
// counter map is cloned.
func (s *PositionState) Snapshot() PositionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := PositionState{
		InPosition:        s.InPosition,
		PositionID:        s.PositionID,
		Direction:         s.Direction,
		EntryPrice:        s.EntryPrice,
		EntryTime:         s.EntryTime,
		Qty:               s.Qty,
		BaseNotional:      s.BaseNotional,
		PeakPrice:         s.PeakPrice,
		LowPrice:          s.LowPrice,
		AddedLevels:       s.AddedLevels,
		LastExitTime:      s.LastExitTime,
		LastCandleTime:    s.LastCandleTime,
		CumulativePnL:     s.CumulativePnL,
		MaxUnrealizedPnL:  s.MaxUnrealizedPnL,
		MinUnrealizedPnL:  s.MinUnrealizedPnL,
		LastPrice:         s.LastPrice,
		UnrealizedPnL:     s.UnrealizedPnL,
		StopPrice:         s.StopPrice,
		TakeProfitPrice:   s.TakeProfitPrice,
		TrailingStopPrice: s.TrailingStopPrice,
		TrailingActive:    s.TrailingActive,
		ATR:               s.ATR,
		LastManageTime:    s.LastManageTime,
	}
	c.WeekTradeCounts = make(map[string]int, len(s.WeekTradeCounts))
	for k, v := range s.WeekTradeCounts {
		c.WeekTradeCounts[k] = v
	}
	return c
}

// ResetKeeping flattens the position while carrying the fields that outlive
// it: week trade counts, last candle time, cumulative PnL, last exit time.
// Caller must hold the lock.
func (s *PositionState) ResetKeeping() {
	// Field by field: assigning a fresh PositionState over s would also
	// replace the held mutex.
	s.InPosition = false
	s.PositionID = ""
	s.Direction = ""
	s.EntryPrice = 0
	s.EntryTime = ""
	s.Qty = 0
	s.BaseNotional = 0
	s.PeakPrice = 0
	s.LowPrice = 0
	s.AddedLevels = 0
	s.MaxUnrealizedPnL = 0
	s.MinUnrealizedPnL = 0
	s.LastPrice = 0
	s.UnrealizedPnL = 0
	s.StopPrice = 0
	s.TakeProfitPrice = 0
	s.TrailingStopPrice = 0
	s.TrailingActive = false
	s.ATR = 0
	s.LastManageTime = ""
	if s.WeekTradeCounts == nil {
		s.WeekTradeCounts = make(map[string]int)
	}
}

// AdoptRow rehydrates state from a persisted open position row after restart
// or reconciliation. Caller must hold the lock.
func (s *PositionState) AdoptRow(row *types.PositionRow) {
	s.InPosition = true
	s.PositionID = row.ID
	s.Direction = types.Direction(row.Direction)
	s.EntryPrice = row.EntryPrice
	s.EntryTime = row.EntryTime
	s.Qty = row.Qty
	if s.PeakPrice == 0 {
		s.PeakPrice = row.EntryPrice
	}
	if s.LowPrice == 0 {
		s.LowPrice = row.EntryPrice
	}
}

// Row renders the state as the bot_state table payload. Caller must hold the
// lock (or operate on a Snapshot copy).
func (s *PositionState) Row(now time.Time) map[string]any {
	counts := s.WeekTradeCounts
	if counts == nil {
		counts = map[string]int{}
	}
	return map[string]any{
		"in_position":         s.InPosition,
		"direction":           emptyToNil(string(s.Direction)),
		"entry_price":         s.EntryPrice,
		"entry_time":          emptyToNil(s.EntryTime),
		"qty":                 s.Qty,
		"base_notional":       s.BaseNotional,
		"peak_price":          s.PeakPrice,
		"low_price":           s.LowPrice,
		"added_levels":        s.AddedLevels,
		"week_trade_counts":   counts,
		"last_exit_time":      emptyToNil(s.LastExitTime),
		"last_candle_time":    emptyToNil(s.LastCandleTime),
		"cumulative_pnl":      s.CumulativePnL,
		"max_unrealized_pnl":  s.MaxUnrealizedPnL,
		"min_unrealized_pnl":  s.MinUnrealizedPnL,
		"last_price":          s.LastPrice,
		"unrealized_pnl":      s.UnrealizedPnL,
		"stop_price":          s.StopPrice,
		"take_profit_price":   s.TakeProfitPrice,
		"trailing_stop_price": s.TrailingStopPrice,
		"trailing_active":     s.TrailingActive,
		"atr":                 s.ATR,
		"last_manage_time":    emptyToNil(s.LastManageTime),
		"heartbeat_at":        now.UTC().Format(time.RFC3339),
	}
}

func emptyToNil(v string) any {
	if v == "" {
		return nil
	}
	return v
}
