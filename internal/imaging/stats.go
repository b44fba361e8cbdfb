package imaging

import (
	"math"
	"slices"
)

// MADScale converts a median absolute deviation to a Gaussian sigma
const MADScale = 1.4826

// Median returns the median of values without modifying them; NaN when empty
func Median(values []float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return sortedMedian(sorted)
}

func sortedMedian(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2.0
	}
	return sorted[n/2]
}

// MedianMAD returns the median and the MAD-derived sigma of values
func MedianMAD(values []float64) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	median := sortedMedian(sorted)

	deviations := make([]float64, len(sorted))
	for i, v := range sorted {
		deviations[i] = math.Abs(v - median)
	}
	slices.Sort(deviations)

	return median, MADScale * sortedMedian(deviations)
}

// ClipStats summarises a sigma-clipped sample
type ClipStats struct {
	Mean   float64
	Median float64
	Std    float64 // sample standard deviation of the kept values
	N      int     // number of kept values
}

// SigmaClip rejects values further than kappa standard deviations from the
// median, repeating until nothing changes or iterations run out. The
// statistics of the surviving sample are returned. An empty input gives N=0
// and NaN statistics.
func SigmaClip(values []float64, kappa float64, iterations int) ClipStats {
	kept := slices.Clone(values)
	slices.Sort(kept)

	for it := 0; it < iterations && len(kept) > 2; it++ {
		median := sortedMedian(kept)
		_, std := meanStd(kept)
		if std == 0 {
			break
		}
		lo, hi := median-kappa*std, median+kappa*std

		start, _ := slices.BinarySearch(kept, lo)
		end := len(kept)
		for end > start && kept[end-1] > hi {
			end--
		}
		if start == 0 && end == len(kept) {
			break
		}
		kept = kept[start:end]
	}

	if len(kept) == 0 {
		return ClipStats{Mean: math.NaN(), Median: math.NaN(), Std: math.NaN()}
	}
	mean, std := meanStd(kept)
	return ClipStats{Mean: mean, Median: sortedMedian(kept), Std: std, N: len(kept)}
}

func meanStd(values []float64) (float64, float64) {
	n := float64(len(values))
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / n
	if n < 2 {
		return mean, 0
	}
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}
