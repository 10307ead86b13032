package strategy

import (
	"fmt"
	"strings"

	"tradeworker/pkg/types"
)

// Strategy derives indicator columns and reads entry signals off the last
// closed bar. Implementations must be stateless across ticks.
type Strategy interface {
	Name() string
	Prepare(f *Frame, cfg types.StrategyConfig) error
	LongSignal(row Row, cfg types.StrategyConfig) bool
	ShortSignal(row Row, cfg types.StrategyConfig) bool
}

// SentimentSource provides the external sentiment score for the sentiment
// strategy. Wired from process settings at boot.
type SentimentSource func() float64

// New resolves a strategy by key.
func New(key string, sentiment SentimentSource) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "trend":
		return &Trend{}, nil
	case "breakout":
		return &Breakout{}, nil
	case "sentiment":
		if sentiment == nil {
			sentiment = func() float64 { return 0 }
		}
		return &Sentiment{Score: sentiment}, nil
	default:
		return nil, fmt.Errorf("unknown strategy: %s", key)
	}
}

func atValue(cfg int, fallback int) int {
	if cfg > 0 {
		return cfg
	}
	return fallback
}
