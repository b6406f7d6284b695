package compiler

import (
	"slices"

	"github.com/smallbiznis/collator/internal/analytics/domain"
)

// Summarize computes the truncated mean, the continuous median and the max of values.
func Summarize(values []int64) domain.Stat {
	if len(values) == 0 {
		return domain.Stat{}
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	return domain.Stat{
		Mean:   sum / int64(n),
		Median: median(sorted),
		Max:    sorted[n-1],
	}
}

// median interpolates between the two middle values, matching percentile_cont(0.5).
func median(sorted []int64) int64 {
	n := len(sorted)
	mid := n / 2
	if n%2 == 1 {
		return sorted[mid]
	}
	lo, hi := float64(sorted[mid-1]), float64(sorted[mid])
	return int64(lo + (hi-lo)*0.5)
}
