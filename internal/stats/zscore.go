// Package stats provides the rolling statistic computations: z-score on a
// single series, and Pearson correlation and Engle-Granger cointegration
// on aligned series pairs. All functions are pure: they operate on window
// snapshots and never touch I/O.
package stats

import (
	"errors"
	"math"
)

// ErrInsufficientData signals a skip condition: the sample is below the
// configured minimum, degenerate (zero variance), or the pair has no
// overlapping timestamps. Callers emit no result and do not treat it as
// a failure.
var ErrInsufficientData = errors.New("stats: insufficient data")

// ZScore returns the standardized deviation of the latest value from the
// rolling mean: (latest - mean) / stdev, using the sample standard
// deviation. Returns ErrInsufficientData when the series has fewer than
// minPeriods points (or fewer than 2) or when stdev is zero.
func ZScore(values []float64, minPeriods int) (float64, error) {
	if len(values) < minPeriods || len(values) < 2 {
		return 0, ErrInsufficientData
	}
	mean, sd := meanStdev(values)
	if sd == 0 {
		return 0, ErrInsufficientData
	}
	return (values[len(values)-1] - mean) / sd, nil
}

// meanStdev returns the mean and sample standard deviation (n-1 divisor).
// Assumes len(values) >= 2.
func meanStdev(values []float64) (float64, float64) {
	n := float64(len(values))
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n

	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
