// Package stats implements the online and batch statistics shared by the
// profiler, recalculator, and amount subsystems: Welford's incremental
// mean/variance recurrence, nearest-rank percentiles, and adaptive
// threshold derivation from positive-deviation percentiles.
package stats

import (
	"math"
	"sort"
)

// Welford accumulates mean and variance in O(1) space per key, so the
// amount profiler never needs to store past samples to answer
// recordTransaction.
type Welford struct {
	count    int
	mean     float64
	m2       float64
	min      float64
	max      float64
	hasRange bool
}

// Add folds one observation into the running statistics.
func (w *Welford) Add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	delta2 := x - w.mean
	w.m2 += delta * delta2

	if !w.hasRange {
		w.min, w.max = x, x
		w.hasRange = true
	} else {
		if x < w.min {
			w.min = x
		}
		if x > w.max {
			w.max = x
		}
	}
}

// Count returns the number of observations folded in so far.
func (w *Welford) Count() int { return w.count }

// Mean returns the running mean.
func (w *Welford) Mean() float64 { return w.mean }

// Variance returns the population variance (dividing by n, not n-1), which
// keeps it defined for a single sample and matches the offline formula used
// elsewhere in this package.
func (w *Welford) Variance() float64 {
	if w.count == 0 {
		return 0
	}
	return w.m2 / float64(w.count)
}

// StdDev returns sqrt(Variance).
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// Min returns the smallest observation seen.
func (w *Welford) Min() float64 { return w.min }

// Max returns the largest observation seen.
func (w *Welford) Max() float64 { return w.max }

// Percentiles computes the nearest-rank percentiles (p50/p95/p99) of a
// batch of values. The slice is sorted in place. index = floor(n * p).
type Percentiles struct {
	P50, P95, P99, Min, Max float64
}

// NearestRank computes percentiles over a batch using the nearest-rank
// method: index = floor(n * p), clamped to the last element.
func NearestRank(values []float64) Percentiles {
	if len(values) == 0 {
		return Percentiles{}
	}
	sort.Float64s(values)
	n := len(values)
	at := func(p float64) float64 {
		idx := int(math.Floor(float64(n) * p))
		if idx >= n {
			idx = n - 1
		}
		if idx < 0 {
			idx = 0
		}
		return values[idx]
	}
	return Percentiles{
		P50: at(0.50),
		P95: at(0.95),
		P99: at(0.99),
		Min: values[0],
		Max: values[n-1],
	}
}

// TwoPassStats computes mean, variance, stddev and nearest-rank percentiles
// for a batch in two passes (mean first, then variance/deviation), as used
// by the time-bucketed recalculator.
type TwoPassStats struct {
	Mean        float64
	Variance    float64
	StdDev      float64
	SampleCount int
	Percentiles Percentiles
}

// ComputeTwoPass runs the two-pass batch statistics over values. The
// percentile pass sorts a copy, so the input slice is left unchanged.
func ComputeTwoPass(values []float64) TwoPassStats {
	n := len(values)
	if n == 0 {
		return TwoPassStats{}
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)

	var sqDiff float64
	for _, v := range values {
		d := v - mean
		sqDiff += d * d
	}
	variance := sqDiff / float64(n)

	return TwoPassStats{
		Mean:        mean,
		Variance:    variance,
		StdDev:      math.Sqrt(variance),
		SampleCount: n,
		Percentiles: NearestRank(append([]float64(nil), values...)),
	}
}
