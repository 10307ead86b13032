package health

import (
	"sync"
	"time"
)

// RollingWindowDuration is how far back the event counters look.
const RollingWindowDuration = 15 * time.Minute

// Window keys tracked by the reporter. Unknown keys are silently ignored.
const (
	KeyRateLimitHit     = "rate_limit_hit"
	KeyCandleGap        = "candle_gap"
	KeyStreamDisconnect = "stream_disconnect"
	KeyIndicatorError   = "indicator_error"
	KeyDecision         = "decision"
	KeyOrderReject      = "order_reject"
	KeyDBError          = "db_error"
)

// countFields maps window keys to the evidence-patch field names added at
// snapshot time.
var countFields = map[string]string{
	KeyRateLimitHit:     "rate_limit_hits_15m",
	KeyCandleGap:        "candle_gap_count_15m",
	KeyStreamDisconnect: "stream_disconnects_15m",
	KeyIndicatorError:   "indicator_error_count_15m",
	KeyDecision:         "decision_count_15m",
	KeyOrderReject:      "order_rejects_15m",
	KeyDBError:          "db_error_count_15m",
}

// Window keeps one FIFO queue of timestamps per tracked key and prunes
// entries older than the rolling window on every mutation or read. All
// operations are serialized by a single mutex.
type Window struct {
	mu       sync.Mutex
	duration time.Duration
	buckets  map[string][]time.Time
}

// NewWindow creates a window with the standard 15-minute duration.
func NewWindow() *Window {
	return newWindowWithDuration(RollingWindowDuration)
}

func newWindowWithDuration(d time.Duration) *Window {
	buckets := make(map[string][]time.Time, len(countFields))
	for key := range countFields {
		buckets[key] = nil
	}
	return &Window{duration: d, buckets: buckets}
}

// Inc appends ts to key's queue, then prunes. Unknown keys are ignored.
func (w *Window) Inc(key string, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	bucket, ok := w.buckets[key]
	if !ok {
		return
	}
	bucket = append(bucket, ts)
	w.buckets[key] = pruneBucket(bucket, ts.Add(-w.duration))
}

// Count prunes, then returns the number of events for key within the window
// ending at now. Unknown keys count zero.
func (w *Window) Count(key string, now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	bucket, ok := w.buckets[key]
	if !ok {
		return 0
	}
	bucket = pruneBucket(bucket, now.Add(-w.duration))
	w.buckets[key] = bucket
	return len(bucket)
}

// Snapshot prunes every bucket and returns the counter fields for the
// evidence patch.
func (w *Window) Snapshot(now time.Time) map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := now.Add(-w.duration)
	counts := make(map[string]any, len(w.buckets))
	for key, bucket := range w.buckets {
		bucket = pruneBucket(bucket, cutoff)
		w.buckets[key] = bucket
		counts[countFields[key]] = len(bucket)
	}
	return counts
}

func pruneBucket(bucket []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(bucket) && bucket[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return bucket
	}
	return append(bucket[:0], bucket[idx:]...)
}
