package stats

import (
	"sort"

	"github.com/kx-platform/trace-anomaly/internal/domain"
)

// MinSamplesForThreshold is the sample count below which a bucket falls
// back to domain.DefaultThresholds rather than deriving its own.
const MinSamplesForThreshold = 10

// thresholdFloors are the per-tier lower bounds applied after the
// percentile lookup (§9 Design Notes: floors apply after, not before).
var thresholdFloors = domain.AdaptiveThresholds{Sev5: 0.5, Sev4: 1.0, Sev3: 1.5, Sev2: 2.0, Sev1: 2.5}

// percentileForTier maps each severity tier to the percentile of the
// positive-deviation distribution it is derived from.
var percentileForTier = []struct {
	p     float64
	floor float64
}{
	{0.80, thresholdFloors.Sev5},
	{0.90, thresholdFloors.Sev4},
	{0.95, thresholdFloors.Sev3},
	{0.99, thresholdFloors.Sev2},
	{0.999, thresholdFloors.Sev1},
}

// DeriveThresholds builds an AdaptiveThresholds from the empirical
// distribution of sigma deviations, using only the positive ones (a
// negative deviation is not a latency spike). If fewer than
// MinSamplesForThreshold positive deviations are available, the defaults
// are returned.
func DeriveThresholds(deviations []float64) domain.AdaptiveThresholds {
	positive := make([]float64, 0, len(deviations))
	for _, d := range deviations {
		if d > 0 {
			positive = append(positive, d)
		}
	}
	if len(positive) < MinSamplesForThreshold {
		return domain.DefaultThresholds
	}

	sort.Float64s(positive)
	n := len(positive)
	at := func(p float64) float64 {
		idx := int(float64(n) * p)
		if idx >= n {
			idx = n - 1
		}
		return positive[idx]
	}

	vals := make([]float64, 5)
	for i, pf := range percentileForTier {
		v := at(pf.p)
		if v < pf.floor {
			v = pf.floor
		}
		vals[i] = v
	}

	t := domain.AdaptiveThresholds{Sev5: vals[0], Sev4: vals[1], Sev3: vals[2], Sev2: vals[3], Sev1: vals[4]}
	return monotone(t)
}

// monotone enforces sev5 <= sev4 <= sev3 <= sev2 <= sev1 by raising any
// tier that would otherwise fall below the one before it.
func monotone(t domain.AdaptiveThresholds) domain.AdaptiveThresholds {
	if t.Sev4 < t.Sev5 {
		t.Sev4 = t.Sev5
	}
	if t.Sev3 < t.Sev4 {
		t.Sev3 = t.Sev4
	}
	if t.Sev2 < t.Sev3 {
		t.Sev2 = t.Sev3
	}
	if t.Sev1 < t.Sev2 {
		t.Sev1 = t.Sev2
	}
	return t
}
