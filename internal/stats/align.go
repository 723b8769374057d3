package stats

import (
	"time"

	"stats-servicev1/internal/model"
)

// AlignedPair holds two series inner-joined on shared bar open times.
// A[i] and B[i] are the close values of the two symbols at Times[i].
type AlignedPair struct {
	Times []time.Time
	A     []float64
	B     []float64
}

// Len returns the number of aligned points.
func (p AlignedPair) Len() int { return len(p.Times) }

// LatestTime returns the newest shared open time, or the zero time when
// nothing aligned.
func (p AlignedPair) LatestTime() time.Time {
	if len(p.Times) == 0 {
		return time.Time{}
	}
	return p.Times[len(p.Times)-1]
}

// Align inner-joins two window snapshots on OpenTime. Both inputs must be
// sorted ascending by OpenTime with unique open times, which is the
// window store's snapshot invariant. Bars present in only one series are
// dropped.
func Align(a, b []model.Bar) AlignedPair {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	pair := AlignedPair{
		Times: make([]time.Time, 0, n),
		A:     make([]float64, 0, n),
		B:     make([]float64, 0, n),
	}

	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].OpenTime.Before(b[j].OpenTime):
			i++
		case b[j].OpenTime.Before(a[i].OpenTime):
			j++
		default:
			pair.Times = append(pair.Times, a[i].OpenTime)
			pair.A = append(pair.A, a[i].Close)
			pair.B = append(pair.B, b[j].Close)
			i++
			j++
		}
	}
	return pair
}
