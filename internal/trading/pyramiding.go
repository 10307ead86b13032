package trading

import "tradeworker/pkg/types"

// MaybePyramid reports whether another scale-in is due: pyramiding enabled,
// fewer than max_pyramid_levels adds so far, and the favorable move has
// reached the next step boundary (added_levels + 1) × pyramid_step.
func MaybePyramid(cfg types.StrategyConfig, move float64, addedLevels int) bool {
	if !cfg.PyramidingEnabled {
		return false
	}
	if addedLevels >= cfg.MaxPyramidLevels {
		return false
	}
	return move >= float64(addedLevels+1)*cfg.PyramidStep
}

// AddNotional is the quote size of one scale-in order.
func AddNotional(baseNotional float64, cfg types.StrategyConfig) float64 {
	return baseNotional * cfg.PyramidAddFrac
}
