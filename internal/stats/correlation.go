package stats

import "math"

// Correlation returns the Pearson correlation coefficient of two
// equal-length series. Symmetric in its arguments. Returns
// ErrInsufficientData when fewer than minPeriods points (or fewer than 2)
// are given, or when either series has zero variance.
func Correlation(a, b []float64, minPeriods int) (float64, error) {
	n := len(a)
	if n != len(b) || n < minPeriods || n < 2 {
		return 0, ErrInsufficientData
	}

	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0, ErrInsufficientData
	}
	return cov / math.Sqrt(varA*varB), nil
}
