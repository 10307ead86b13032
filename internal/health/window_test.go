package health

import (
	"testing"
	"time"
)

func TestWindowCountsWithinDuration(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow()
	w.Inc(KeyRateLimitHit, base)
	w.Inc(KeyRateLimitHit, base.Add(5*time.Minute))
	w.Inc(KeyRateLimitHit, base.Add(10*time.Minute))

	if got := w.Count(KeyRateLimitHit, base.Add(10*time.Minute)); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}
}

func TestWindowPrunesOldEvents(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow()
	w.Inc(KeyOrderReject, base)
	w.Inc(KeyOrderReject, base.Add(1*time.Minute))
	w.Inc(KeyOrderReject, base.Add(14*time.Minute))

	// 16 minutes after base the first event aged out; the one at base+1m
	// sits exactly on the cutoff and still counts.
	if got := w.Count(KeyOrderReject, base.Add(16*time.Minute)); got != 2 {
		t.Errorf("count = %d, want 2", got)
	}
	// Exactly at the boundary the event still counts.
	w2 := NewWindow()
	w2.Inc(KeyOrderReject, base)
	if got := w2.Count(KeyOrderReject, base.Add(RollingWindowDuration)); got != 1 {
		t.Errorf("boundary count = %d, want 1", got)
	}
}

func TestWindowUnknownKeyIgnored(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := NewWindow()
	w.Inc("bogus_key", now)
	if got := w.Count("bogus_key", now); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestWindowSnapshotFieldNames(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := NewWindow()
	w.Inc(KeyDecision, now)
	w.Inc(KeyDecision, now)
	w.Inc(KeyDBError, now)

	snap := w.Snapshot(now)
	if len(snap) != len(countFields) {
		t.Fatalf("snapshot has %d fields, want %d", len(snap), len(countFields))
	}
	if got := snap["decision_count_15m"]; got != 2 {
		t.Errorf("decision_count_15m = %v, want 2", got)
	}
	if got := snap["db_error_count_15m"]; got != 1 {
		t.Errorf("db_error_count_15m = %v, want 1", got)
	}
	if got := snap["rate_limit_hits_15m"]; got != 0 {
		t.Errorf("rate_limit_hits_15m = %v, want 0", got)
	}
}
