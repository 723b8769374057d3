package stats

import (
	"testing"
	"time"

	"stats-servicev1/internal/model"
)

func mkBars(symbol string, minuteOffsets []int, closeVals []float64) []model.Bar {
	base := time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)
	bars := make([]model.Bar, len(minuteOffsets))
	for i, off := range minuteOffsets {
		bars[i] = model.Bar{
			Symbol:    symbol,
			Timeframe: "5m",
			OpenTime:  base.Add(time.Duration(off) * time.Minute),
			Close:     closeVals[i],
		}
	}
	return bars
}

func TestAlign_InnerJoin(t *testing.T) {
	// A has 0,5,10,15; B has 5,10,20. Shared: 5,10.
	a := mkBars("AAPL", []int{0, 5, 10, 15}, []float64{1, 2, 3, 4})
	b := mkBars("SPY", []int{5, 10, 20}, []float64{10, 20, 30})

	pair := Align(a, b)
	if pair.Len() != 2 {
		t.Fatalf("expected 2 aligned points, got %d", pair.Len())
	}
	if pair.A[0] != 2 || pair.A[1] != 3 {
		t.Errorf("unexpected A values: %v", pair.A)
	}
	if pair.B[0] != 10 || pair.B[1] != 20 {
		t.Errorf("unexpected B values: %v", pair.B)
	}
	want := time.Date(2024, 6, 3, 9, 40, 0, 0, time.UTC)
	if !pair.LatestTime().Equal(want) {
		t.Errorf("expected latest time %v, got %v", want, pair.LatestTime())
	}
}

func TestAlign_NoOverlap(t *testing.T) {
	a := mkBars("AAPL", []int{0, 5}, []float64{1, 2})
	b := mkBars("SPY", []int{10, 15}, []float64{3, 4})

	pair := Align(a, b)
	if pair.Len() != 0 {
		t.Fatalf("expected empty alignment, got %d points", pair.Len())
	}
	if !pair.LatestTime().IsZero() {
		t.Errorf("expected zero latest time, got %v", pair.LatestTime())
	}
}

func TestAlign_Identical(t *testing.T) {
	a := mkBars("AAPL", []int{0, 5, 10}, []float64{1, 2, 3})
	b := mkBars("SPY", []int{0, 5, 10}, []float64{4, 5, 6})

	pair := Align(a, b)
	if pair.Len() != 3 {
		t.Fatalf("expected full alignment, got %d", pair.Len())
	}
}

func TestAlign_Empty(t *testing.T) {
	if pair := Align(nil, mkBars("SPY", []int{0}, []float64{1})); pair.Len() != 0 {
		t.Errorf("expected empty alignment with nil input")
	}
}
