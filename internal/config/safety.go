package config

import "strings"

// Hard safety constants. Applied as clamps when configuration bundles are
// normalized, and re-applied on every hot reload so a bad control update can
// never push the worker past them.
const (
	MinPollSeconds     = 30
	MaxLookbackBars    = 2000
	MaxLeverage        = 10.0
	MaxAllocationFrac  = 0.9
	MaxTradesPerWeek   = 60
	MaxPyramidLevels   = 3
	MinNotionalUSD     = 10.0
	MaxSlippageBPS     = 100
	MaxConsecutiveErrs = 5
	ErrorBackoffSecs   = 20

	ControlRefreshSeconds = 60
	ControlRefreshPolls   = 20
)

// Polling tiers. Each tier names a cadence class: the floor of the loop
// interval and (via the health package) the health-flush intervals.
const (
	TierFast5s   = "fast_5s"
	TierUltra15s = "ultra_15s"
	TierFast30s  = "fast_30s"
	TierStandard = "standard"
)

var tierMinimums = map[string]int{
	TierFast5s:   5,
	TierUltra15s: 15,
	TierFast30s:  30,
	TierStandard: 60,
}

// NormalizeTier lower-cases and validates a tier name, falling back to
// standard for anything unknown.
func NormalizeTier(tier string) string {
	t := normalizeTierName(tier)
	if _, ok := tierMinimums[t]; ok {
		return t
	}
	return TierStandard
}

// TierMinimumSeconds returns the minimum poll interval for a tier.
func TierMinimumSeconds(tier string) int {
	if min, ok := tierMinimums[normalizeTierName(tier)]; ok {
		return min
	}
	return tierMinimums[TierStandard]
}

func normalizeTierName(tier string) string {
	return strings.ToLower(strings.TrimSpace(tier))
}
