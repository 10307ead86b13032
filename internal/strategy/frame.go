// Package strategy computes indicator columns over OHLCV frames and turns the
// latest bar into entry signals. Strategies are pure: Prepare derives columns,
// LongSignal/ShortSignal read the last closed bar. Indicator warmup rows hold
// NaN, and every signal comparison against NaN is false, so a strategy can
// never fire before its indicators are ready.
package strategy

import (
	"fmt"
	"math"
	"time"

	"tradeworker/pkg/types"
)

// Frame is a column-oriented view of an OHLCV series: ordered UTC timestamps
// plus named float64 columns of equal length.
type Frame struct {
	Times []time.Time
	cols  map[string][]float64
}

// NewFrame builds a frame from candles, seeding the five base columns.
func NewFrame(candles []types.Candle) *Frame {
	n := len(candles)
	f := &Frame{
		Times: make([]time.Time, n),
		cols: map[string][]float64{
			"open":   make([]float64, n),
			"high":   make([]float64, n),
			"low":    make([]float64, n),
			"close":  make([]float64, n),
			"volume": make([]float64, n),
		},
	}
	for i, c := range candles {
		f.Times[i] = c.Time.UTC()
		f.cols["open"][i] = c.Open
		f.cols["high"][i] = c.High
		f.cols["low"][i] = c.Low
		f.cols["close"][i] = c.Close
		f.cols["volume"][i] = c.Volume
	}
	return f
}

// Len returns the number of bars.
func (f *Frame) Len() int { return len(f.Times) }

// Col returns a column by name, nil when absent.
func (f *Frame) Col(name string) []float64 { return f.cols[name] }

// SetCol attaches a derived column. Length must match the frame.
func (f *Frame) SetCol(name string, vals []float64) error {
	if len(vals) != f.Len() {
		return fmt.Errorf("column %s: length %d != frame length %d", name, len(vals), f.Len())
	}
	f.cols[name] = vals
	return nil
}

// Row is a read view of one bar.
type Row struct {
	Time time.Time
	f    *Frame
	i    int
}

// Row returns the bar at index i.
func (f *Frame) Row(i int) Row {
	return Row{Time: f.Times[i], f: f, i: i}
}

// Last returns the final bar. Caller must check Len() > 0 first.
func (f *Frame) Last() Row { return f.Row(f.Len() - 1) }

// Get returns a column value for this row, NaN when the column is absent.
func (r Row) Get(name string) float64 {
	col := r.f.cols[name]
	if col == nil {
		return math.NaN()
	}
	return col[r.i]
}
