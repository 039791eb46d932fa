// Package indicators implements the technical indicators available to
// strategies. Every function works on a close series ordered oldest first
// and evaluates at its last element; ok is false when the series is too
// short or the result is not a finite number.
package indicators

import "math"

// SMA returns the mean of the last window values of x.
func SMA(x []float64, window int) (float64, bool) {
	if window <= 0 || len(x) < window {
		return 0, false
	}
	return finite(mean(x[len(x)-window:]))
}

// Returns converts a price series into simple period returns. The result
// has len(x)-1 elements; a zero previous price yields NaN.
func Returns(x []float64) []float64 {
	if len(x) < 2 {
		return nil
	}
	out := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		if x[i-1] == 0 {
			out[i-1] = math.NaN()
			continue
		}
		out[i-1] = x[i]/x[i-1] - 1
	}
	return out
}

// MeanReturn returns the mean of the last window daily returns.
func MeanReturn(closes []float64, window int) (float64, bool) {
	r := Returns(closes)
	if window <= 0 || len(r) < window {
		return 0, false
	}
	return finite(mean(r[len(r)-window:]))
}

// StdDevReturn returns the sample standard deviation of the last window
// daily returns.
func StdDevReturn(closes []float64, window int) (float64, bool) {
	r := Returns(closes)
	if window < 2 || len(r) < window {
		return 0, false
	}
	return finite(StdDev(r[len(r)-window:]))
}

// CumulativeReturn returns close[t]/close[t-window] - 1.
func CumulativeReturn(closes []float64, window int) (float64, bool) {
	if window <= 0 || len(closes) < window+1 {
		return 0, false
	}
	base := closes[len(closes)-1-window]
	if base == 0 {
		return 0, false
	}
	return finite(closes[len(closes)-1]/base - 1)
}

// RSI returns Wilder's relative strength index (0-100) over window
// periods. The average gain and loss are seeded with a simple mean of the
// first window changes and smoothed over the rest of the series.
func RSI(closes []float64, window int) (float64, bool) {
	if window <= 0 || len(closes) < window+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= window; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(window)
	loss /= float64(window)

	n := float64(window)
	for i := window + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*(n-1) + up) / n
		loss = (loss*(n-1) + down) / n
	}

	switch {
	case gain == 0 && loss == 0:
		return 50, true
	case loss == 0:
		return 100, true
	}
	rs := gain / loss
	return finite(100 - 100/(1+rs))
}

// StdDev returns the sample (n-1) standard deviation of x, or NaN when x has
// fewer than two elements.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return math.NaN()
	}
	m := mean(x)
	var ss float64
	for _, v := range x {
		ss += (v - m) * (v - m)
	}
	return math.Sqrt(ss / float64(len(x)-1))
}

// Mean returns the arithmetic mean of x, or NaN for an empty slice.
func Mean(x []float64) float64 {
	return mean(x)
}

func mean(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	return sum / float64(len(x))
}

func finite(v float64) (float64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}
