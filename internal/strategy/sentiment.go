package strategy

import (
	"fmt"

	"tradeworker/pkg/types"
)

// Sentiment trades off an externally supplied score in [-1, 1]. The frame
// still gets an ATR column because the exit logic needs one.
type Sentiment struct {
	Score SentimentSource
}

func (*Sentiment) Name() string { return "sentiment" }

func (*Sentiment) Prepare(f *Frame, cfg types.StrategyConfig) error {
	if f.Len() == 0 {
		return fmt.Errorf("sentiment prepare: empty frame")
	}
	return f.SetCol("atr", ATR(f.Col("high"), f.Col("low"), f.Col("close"), atValue(cfg.ATRPeriod, 14)))
}

func (s *Sentiment) LongSignal(_ Row, cfg types.StrategyConfig) bool {
	return s.Score() >= cfg.LongThreshold
}

func (s *Sentiment) ShortSignal(_ Row, cfg types.StrategyConfig) bool {
	return s.Score() <= cfg.ShortThreshold
}
