package health

import (
	"time"

	"tradeworker/internal/config"
)

// Flush timing constants. Debounce applies to every flush; the critical
// delay is the minimum deferral when a forced flush arrives inside the
// debounce window.
const (
	DebounceInterval = 3 * time.Second
	CriticalDelay    = 1 * time.Second
)

var flushIntervalsOutOfPosition = map[string]time.Duration{
	config.TierFast5s:   60 * time.Second,
	config.TierUltra15s: 90 * time.Second,
	config.TierFast30s:  120 * time.Second,
	config.TierStandard: 180 * time.Second,
}

var flushIntervalsInPosition = map[string]time.Duration{
	config.TierFast5s:   20 * time.Second,
	config.TierUltra15s: 45 * time.Second,
	config.TierFast30s:  75 * time.Second,
	config.TierStandard: 150 * time.Second,
}

// FlushInterval returns the periodic flush interval for a polling tier,
// tighter while a position is open.
func FlushInterval(tier string, inPosition bool) time.Duration {
	tier = config.NormalizeTier(tier)
	if inPosition {
		return flushIntervalsInPosition[tier]
	}
	return flushIntervalsOutOfPosition[tier]
}
