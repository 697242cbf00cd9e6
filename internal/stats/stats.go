// Package stats provides the online statistics used by detector
// profiles: Welford running mean/variance and order statistics over
// bounded samples.
package stats

import (
	"math"
	"sort"
)

// Welford accumulates mean and variance online. Profiles carry one of
// these instead of recomputing moments from raw history.
type Welford struct {
	N    int64   `json:"n"`
	Mean float64 `json:"mean"`
	m2   float64
}

// Add folds one observation into the accumulator.
func (w *Welford) Add(x float64) {
	w.N++
	delta := x - w.Mean
	w.Mean += delta / float64(w.N)
	w.m2 += delta * (x - w.Mean)
}

// Variance returns the sample variance (n-1 denominator), 0 for n<2.
func (w *Welford) Variance() float64 {
	if w.N < 2 {
		return 0
	}
	return w.m2 / float64(w.N-1)
}

// StdDev returns the sample standard deviation.
func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}

// ZScore returns how many standard deviations x lies from the mean,
// 0 when the deviation is zero.
func (w *Welford) ZScore(x float64) float64 {
	sd := w.StdDev()
	if sd == 0 {
		return 0
	}
	return (x - w.Mean) / sd
}

// Reset clears the accumulator.
func (w *Welford) Reset() {
	w.N = 0
	w.Mean = 0
	w.m2 = 0
}

// Percentile returns the percentile rank (0-100) of x within sample:
// the share of observations less than or equal to x. The sample is
// sorted once (O(n log n)) and ranked by binary search.
func Percentile(sample []float64, x float64) float64 {
	if len(sample) == 0 {
		return 0
	}
	sorted := make([]float64, len(sample))
	copy(sorted, sample)
	sort.Float64s(sorted)
	// Count of values <= x.
	n := sort.Search(len(sorted), func(i int) bool { return sorted[i] > x })
	return float64(n) / float64(len(sorted)) * 100
}

// CoefficientOfVariation returns stddev/mean clamped to [0,1], a
// normalized dispersion measure. Zero mean yields zero.
func CoefficientOfVariation(w *Welford) float64 {
	if w.Mean == 0 {
		return 0
	}
	cv := w.StdDev() / math.Abs(w.Mean)
	if cv > 1 {
		return 1
	}
	return cv
}
