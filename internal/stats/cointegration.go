package stats

import "math"

// Cointegration runs the Engle-Granger two-step test on an aligned pair:
// step one fits b = alpha + beta*a + e by ordinary least squares, step
// two computes the Augmented Dickey-Fuller t-statistic of the residuals
// with the given number of lagged difference terms and no deterministic
// terms. The returned value is the ADF t-statistic itself; more negative
// means stronger evidence of cointegration. Interpretation against
// critical values is a downstream concern.
//
// Returns ErrInsufficientData when fewer than minPeriods points are
// given, when the regression is degenerate, or when too few observations
// remain for the chosen lag order.
func Cointegration(a, b []float64, minPeriods, lags int) (float64, error) {
	if len(a) != len(b) || len(a) < minPeriods {
		return 0, ErrInsufficientData
	}
	if lags < 0 {
		lags = 0
	}

	resid, err := olsResiduals(a, b)
	if err != nil {
		return 0, err
	}
	return adfStat(resid, lags)
}

// olsResiduals fits b = alpha + beta*a + e and returns e.
func olsResiduals(a, b []float64) ([]float64, error) {
	n := len(a)
	var sumA, sumB float64
	for i := 0; i < n; i++ {
		sumA += a[i]
		sumB += b[i]
	}
	meanA := sumA / float64(n)
	meanB := sumB / float64(n)

	var cov, varA float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		cov += da * (b[i] - meanB)
		varA += da * da
	}
	if varA == 0 {
		return nil, ErrInsufficientData
	}

	beta := cov / varA
	alpha := meanB - beta*meanA

	resid := make([]float64, n)
	for i := 0; i < n; i++ {
		resid[i] = b[i] - alpha - beta*a[i]
	}
	return resid, nil
}

// adfStat computes the ADF t-statistic for the null of a unit root in e:
//
//	Δe_t = γ·e_{t-1} + Σ_{i=1..lags} φ_i·Δe_{t-i} + ε_t
//
// and returns t = γ̂ / se(γ̂). No constant or trend term is included;
// Engle-Granger residuals are mean-zero by construction.
func adfStat(e []float64, lags int) (float64, error) {
	n := len(e)
	nobs := n - 1 - lags
	k := 1 + lags
	if nobs < k+2 {
		return 0, ErrInsufficientData
	}

	// First differences: d[t] = e[t+1] - e[t].
	d := make([]float64, n-1)
	for t := 0; t < n-1; t++ {
		d[t] = e[t+1] - e[t]
	}

	// Row t regresses d[t] on [e[t], d[t-1], ..., d[t-lags]].
	rows := make([][]float64, 0, nobs)
	y := make([]float64, 0, nobs)
	for t := lags; t < n-1; t++ {
		row := make([]float64, k)
		row[0] = e[t]
		for i := 1; i <= lags; i++ {
			row[i] = d[t-i]
		}
		rows = append(rows, row)
		y = append(y, d[t])
	}

	beta, se, err := olsFit(rows, y)
	if err != nil {
		return 0, err
	}
	if se[0] == 0 || math.IsNaN(se[0]) {
		return 0, ErrInsufficientData
	}
	return beta[0] / se[0], nil
}

// olsFit solves a multiple regression y = X·beta + ε via the normal
// equations and returns the coefficients with their standard errors.
// The design matrices here are tiny (lags+1 columns), so a direct
// Gauss-Jordan inversion of X'X is adequate.
func olsFit(x [][]float64, y []float64) (beta, se []float64, err error) {
	nobs := len(x)
	k := len(x[0])
	if nobs <= k {
		return nil, nil, ErrInsufficientData
	}

	// X'X and X'y.
	xtx := make([][]float64, k)
	for i := range xtx {
		xtx[i] = make([]float64, k)
	}
	xty := make([]float64, k)
	for r, row := range x {
		for i := 0; i < k; i++ {
			xty[i] += row[i] * y[r]
			for j := 0; j < k; j++ {
				xtx[i][j] += row[i] * row[j]
			}
		}
	}

	inv, ok := invert(xtx)
	if !ok {
		return nil, nil, ErrInsufficientData
	}

	beta = make([]float64, k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			beta[i] += inv[i][j] * xty[j]
		}
	}

	// Residual variance and coefficient standard errors.
	var rss float64
	for r, row := range x {
		pred := 0.0
		for i := 0; i < k; i++ {
			pred += row[i] * beta[i]
		}
		d := y[r] - pred
		rss += d * d
	}
	s2 := rss / float64(nobs-k)

	se = make([]float64, k)
	for i := 0; i < k; i++ {
		se[i] = math.Sqrt(s2 * inv[i][i])
	}
	return beta, se, nil
}

// invert returns the inverse of a small square matrix via Gauss-Jordan
// elimination with partial pivoting. Returns ok=false when singular.
func invert(m [][]float64) ([][]float64, bool) {
	k := len(m)

	// Augment a working copy with the identity.
	a := make([][]float64, k)
	for i := 0; i < k; i++ {
		a[i] = make([]float64, 2*k)
		copy(a[i], m[i])
		a[i][k+i] = 1
	}

	for col := 0; col < k; col++ {
		// Partial pivot.
		pivot := col
		for r := col + 1; r < k; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]

		p := a[col][col]
		for j := 0; j < 2*k; j++ {
			a[col][j] /= p
		}
		for r := 0; r < k; r++ {
			if r == col {
				continue
			}
			f := a[r][col]
			if f == 0 {
				continue
			}
			for j := 0; j < 2*k; j++ {
				a[r][j] -= f * a[col][j]
			}
		}
	}

	inv := make([][]float64, k)
	for i := 0; i < k; i++ {
		inv[i] = a[i][k:]
	}
	return inv, true
}
