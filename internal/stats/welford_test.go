package stats

import (
	"math"
	"math/rand"
	"testing"
)

func TestWelfordMatchesOfflineFormula(t *testing.T) {
	values := []float64{100, 110, 120, 130, 140}

	var w Welford
	for _, v := range values {
		w.Add(v)
	}

	if w.Mean() != 120 {
		t.Errorf("mean = %v, want 120", w.Mean())
	}
	if w.Variance() != 200 {
		t.Errorf("variance = %v, want 200", w.Variance())
	}
	if math.Abs(w.StdDev()-14.1421356) > 1e-4 {
		t.Errorf("stddev = %v, want ~14.14", w.StdDev())
	}
}

func TestWelfordOrderIndependent(t *testing.T) {
	values := []float64{12, 45, 3, 89, 21, 67, 5, 34}

	var inOrder Welford
	for _, v := range values {
		inOrder.Add(v)
	}

	shuffled := append([]float64(nil), values...)
	rand.New(rand.NewSource(1)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	var reordered Welford
	for _, v := range shuffled {
		reordered.Add(v)
	}

	if math.Abs(inOrder.Mean()-reordered.Mean()) > 1e-9 {
		t.Errorf("mean differs by order: %v vs %v", inOrder.Mean(), reordered.Mean())
	}
	if math.Abs(inOrder.Variance()-reordered.Variance()) > 1e-9 {
		t.Errorf("variance differs by order: %v vs %v", inOrder.Variance(), reordered.Variance())
	}
}

func TestNearestRankPercentiles(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3, 9, 8, 7, 6, 10}
	p := NearestRank(values)
	if p.Min != 1 || p.Max != 10 {
		t.Errorf("min/max = %v/%v, want 1/10", p.Min, p.Max)
	}
	if p.P50 < 5 || p.P50 > 7 {
		t.Errorf("p50 = %v out of expected range", p.P50)
	}
}

func TestComputeTwoPassInvariants(t *testing.T) {
	values := []float64{10, 12, 9, 11, 1000, 10, 11}
	res := ComputeTwoPass(values)
	if res.SampleCount != len(values) {
		t.Fatalf("sample count = %d, want %d", res.SampleCount, len(values))
	}
	if math.Abs(res.StdDev-math.Sqrt(res.Variance)) > 1e-6 {
		t.Errorf("stddev != sqrt(variance): %v vs %v", res.StdDev, math.Sqrt(res.Variance))
	}
	if !(res.Percentiles.Min <= res.Percentiles.P50 && res.Percentiles.P50 <= res.Percentiles.P99 && res.Percentiles.P99 <= res.Percentiles.Max) {
		t.Errorf("percentile ordering violated: %+v", res.Percentiles)
	}
}
