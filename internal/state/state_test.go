package state

import (
	"testing"
	"time"

	"tradeworker/pkg/types"
)

func TestResetKeepingCarriesCounters(t *testing.T) {
	t.Parallel()

	s := New()
	s.InPosition = true
	s.PositionID = "pos-1"
	s.Direction = types.Long
	s.EntryPrice = 50000
	s.Qty = 0.01
	s.AddedLevels = 2
	s.WeekTradeCounts["2026-1"] = 3
	s.LastCandleTime = "2026-01-01T12:00:00Z"
	s.CumulativePnL = 42.5
	s.LastExitTime = "2026-01-01T11:00:00Z"

	s.Lock()
	s.ResetKeeping()
	s.Unlock()

	if s.InPosition || s.PositionID != "" || s.Qty != 0 || s.AddedLevels != 0 {
		t.Errorf("position fields not cleared: %+v", s)
	}
	if s.WeekTradeCounts["2026-1"] != 3 {
		t.Error("week trade counts not carried")
	}
	if s.LastCandleTime != "2026-01-01T12:00:00Z" {
		t.Error("last candle time not carried")
	}
	if s.CumulativePnL != 42.5 {
		t.Error("cumulative pnl not carried")
	}
	if s.LastExitTime != "2026-01-01T11:00:00Z" {
		t.Error("last exit time not carried")
	}
}

func TestResetKeepingPreservesHeldLock(t *testing.T) {
	t.Parallel()

	s := New()
	s.InPosition = true
	s.Lock()
	s.ResetKeeping()

	// The reset must not replace the mutex: another goroutine may only
	// acquire it after the holder releases.
	acquired := make(chan struct{})
	go func() {
		s.Lock()
		close(acquired)
		s.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatal("lock acquired while still held across ResetKeeping")
	case <-time.After(50 * time.Millisecond):
	}

	s.Unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock never became available after release")
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	t.Parallel()

	s := New()
	s.InPosition = true
	s.Qty = 1.5
	s.WeekTradeCounts["2026-2"] = 1

	snap := s.Snapshot()
	snap.WeekTradeCounts["2026-2"] = 99
	if s.WeekTradeCounts["2026-2"] != 1 {
		t.Error("snapshot shares week counter map with state")
	}
	if !snap.InPosition || snap.Qty != 1.5 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestAdoptRowSeedsExtremes(t *testing.T) {
	t.Parallel()

	s := New()
	s.Lock()
	s.AdoptRow(&types.PositionRow{
		ID:         "pos-7",
		Direction:  "short",
		EntryPrice: 3000,
		EntryTime:  "2026-01-01T00:00:00Z",
		Qty:        2,
	})
	s.Unlock()

	if !s.InPosition || s.Direction != types.Short || s.PositionID != "pos-7" {
		t.Errorf("state = %+v", s)
	}
	if s.PeakPrice != 3000 || s.LowPrice != 3000 {
		t.Errorf("extremes = %v/%v, want seeded to entry", s.PeakPrice, s.LowPrice)
	}
}

func TestRowNullsEmptyStrings(t *testing.T) {
	t.Parallel()

	s := New()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	row := s.Row(now)

	if row["direction"] != nil {
		t.Errorf("direction = %v, want nil", row["direction"])
	}
	if row["heartbeat_at"] != "2026-01-01T00:00:00Z" {
		t.Errorf("heartbeat_at = %v", row["heartbeat_at"])
	}
	if row["in_position"] != false {
		t.Error("in_position should be false")
	}
}
