package strategy

import "math"

// Indicator primitives. Warmup outputs are NaN until the window has enough
// observations, matching rolling min_periods semantics.

// SMA is a simple moving average over window bars.
func SMA(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window < 1 || len(x) < window {
		return out
	}
	var sum float64
	for i, v := range x {
		sum += v
		if i >= window {
			sum -= x[i-window]
		}
		if i >= window-1 {
			out[i] = sum / float64(window)
		}
	}
	return out
}

// EMA is an exponential moving average with alpha = 2/(span+1), seeded at the
// first value and defined from the first bar.
func EMA(x []float64, span int) []float64 {
	out := nanSlice(len(x))
	if span < 1 || len(x) == 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	out[0] = x[0]
	for i := 1; i < len(x); i++ {
		out[i] = alpha*x[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI is Wilder's relative strength index, NaN for the first window bars.
func RSI(x []float64, window int) []float64 {
	out := nanSlice(len(x))
	if window < 1 || len(x) <= window {
		return out
	}
	alpha := 1.0 / float64(window)
	var avgGain, avgLoss float64
	for i := 1; i < len(x); i++ {
		delta := x[i] - x[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		if i == 1 {
			avgGain, avgLoss = gain, loss
		} else {
			avgGain = alpha*gain + (1-alpha)*avgGain
			avgLoss = alpha*loss + (1-alpha)*avgLoss
		}
		if i < window {
			continue
		}
		if avgLoss == 0 {
			out[i] = 100
			continue
		}
		rs := avgGain / avgLoss
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// ATR is Wilder-smoothed average true range over high/low/close, NaN for the
// first window-1 bars.
func ATR(high, low, closes []float64, window int) []float64 {
	n := len(closes)
	out := nanSlice(n)
	if window < 1 || n < window {
		return out
	}
	alpha := 1.0 / float64(window)
	var rma float64
	for i := 0; i < n; i++ {
		tr := high[i] - low[i]
		if i > 0 {
			prev := closes[i-1]
			tr = math.Max(tr, math.Max(math.Abs(high[i]-prev), math.Abs(low[i]-prev)))
		}
		if i == 0 {
			rma = tr
		} else {
			rma = alpha*tr + (1-alpha)*rma
		}
		if i >= window-1 {
			out[i] = rma
		}
	}
	return out
}

// RollingMax is the highest value over the trailing window bars.
func RollingMax(x []float64, window int) []float64 {
	return rollingExtreme(x, window, func(a, b float64) bool { return a > b })
}

// RollingMin is the lowest value over the trailing window bars.
func RollingMin(x []float64, window int) []float64 {
	return rollingExtreme(x, window, func(a, b float64) bool { return a < b })
}

func rollingExtreme(x []float64, window int, better func(a, b float64) bool) []float64 {
	out := nanSlice(len(x))
	if window < 1 || len(x) < window {
		return out
	}
	for i := window - 1; i < len(x); i++ {
		best := x[i-window+1]
		for j := i - window + 2; j <= i; j++ {
			if better(x[j], best) {
				best = x[j]
			}
		}
		out[i] = best
	}
	return out
}

// shift moves a series forward one bar so index i reads the value at i-1.
func shift(x []float64) []float64 {
	out := nanSlice(len(x))
	copy(out[1:], x[:len(x)-1])
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
