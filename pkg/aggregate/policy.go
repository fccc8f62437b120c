package aggregate

import (
	"fmt"
	"strings"
)

// AveragePolicy computes a bucket average from its post-merge sum and count
type AveragePolicy func(sum float64, count int64) float64

// PairwiseAverage divides the sum by a constant 2 regardless of count.
// This is the historical behaviour of the daily rollup and stays the default.
func PairwiseAverage(sum float64, _ int64) float64 {
	return sum / 2
}

// RunningMean divides the sum by the number of merged readings
func RunningMean(sum float64, count int64) float64 {
	if count <= 0 {
		return sum
	}
	return sum / float64(count)
}

// ParsePolicy maps a config name to a policy: "pairwise" (or empty) and "running"
func ParsePolicy(name string) (AveragePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "pairwise":
		return PairwiseAverage, nil
	case "running", "mean":
		return RunningMean, nil
	default:
		return nil, fmt.Errorf("unknown average policy %q (want pairwise or running)", name)
	}
}
