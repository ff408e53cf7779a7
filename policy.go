package ivex

import "math"

// CentroidPolicy maps the store row count to the centroid count used by the
// next index build.
type CentroidPolicy func(rows uint64) int

// ProbePolicy maps the store row count to the number of centroids probed
// per retrieval.
type ProbePolicy func(rows uint64) int

// DefaultCentroidPolicy scales the centroid count with the square root of
// the row count. The multiplier steps up for very large stores, where more,
// smaller cells keep candidate sets tractable.
func DefaultCentroidPolicy(rows uint64) int {
	factor := 2.0
	switch {
	case rows >= 20_000_000:
		factor = 6.0
	case rows >= 15_000_000:
		factor = 5.0
	}
	return int(math.Floor(math.Sqrt(float64(rows))) * factor)
}

// DefaultProbePolicy probes fewer cells as the store grows, trading recall
// for latency once cells become fine-grained enough.
func DefaultProbePolicy(rows uint64) int {
	switch {
	case rows > 15_000_000:
		return 5
	case rows > 10_000_000:
		return 10
	default:
		return 12
	}
}

// FixedCentroids returns a policy that always uses c centroids. The build
// still clamps to the row count.
func FixedCentroids(c int) CentroidPolicy {
	return func(uint64) int { return c }
}

// FixedProbes returns a policy that always probes n centroids. Retrieval
// still clamps to the centroid count.
func FixedProbes(n int) ProbePolicy {
	return func(uint64) int { return n }
}
