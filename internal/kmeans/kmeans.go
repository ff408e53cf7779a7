// Package kmeans implements seeded mini-batch k-means over flattened
// float32 vectors.
//
// Vectors are stored dimension-strided: row i occupies
// vectors[i*dim : (i+1)*dim]. Training is deterministic for a fixed seed;
// ties during assignment resolve to the lowest centroid id.
package kmeans

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ivexdb/ivex/distance"
)

// Options bound the cost of a training run.
type Options struct {
	// MaxIterations is the number of mini-batch update steps.
	MaxIterations int

	// BatchSize is the number of samples drawn per step. Memory per step is
	// O(BatchSize * dim), independent of the dataset size.
	BatchSize int

	// Parallelism bounds the goroutines used for the final full assignment
	// pass. Zero means GOMAXPROCS.
	Parallelism int
}

// DefaultOptions mirror the training configuration used for index builds.
var DefaultOptions = Options{
	MaxIterations: 100,
	BatchSize:     10_000,
	Parallelism:   0,
}

// Train fits k centroids to the given vectors and returns them flattened
// (k * dim). It requires at least k rows.
func Train(ctx context.Context, vectors []float32, dim, k int, seed int64, opts Options) ([]float32, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("kmeans: dimension must be positive, got %d", dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("kmeans: k must be positive, got %d", k)
	}
	if len(vectors)%dim != 0 {
		return nil, fmt.Errorf("kmeans: vector data length %d is not a multiple of dimension %d", len(vectors), dim)
	}
	n := len(vectors) / dim
	if n < k {
		return nil, fmt.Errorf("kmeans: need at least %d rows to fit %d centroids, got %d", k, k, n)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultOptions.MaxIterations
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions.BatchSize
	}
	if opts.BatchSize > n {
		opts.BatchSize = n
	}

	rng := rand.New(rand.NewSource(seed))

	// Initialize centroids from k distinct data points.
	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	// Mini-batch updates (Sculley 2010): per-center sample counts drive a
	// decaying learning rate, so centers converge without a full pass.
	counts := make([]int, k)
	batch := make([]int, opts.BatchSize)
	nearestInBatch := make([]int, opts.BatchSize)

	for iter := 0; iter < opts.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for i := range batch {
			batch[i] = rng.Intn(n)
		}
		for i, row := range batch {
			nearestInBatch[i] = nearest(vectors[row*dim:(row+1)*dim], centroids, dim)
		}

		for i, row := range batch {
			c := nearestInBatch[i]
			counts[c]++
			eta := 1 / float32(counts[c])
			center := centroids[c*dim : (c+1)*dim]
			vec := vectors[row*dim : (row+1)*dim]
			for d := 0; d < dim; d++ {
				center[d] += eta * (vec[d] - center[d])
			}
		}
	}

	return centroids, nil
}

// Assign computes the nearest centroid for every row, in parallel.
// The result is deterministic: ties resolve to the lowest centroid id.
func Assign(ctx context.Context, vectors []float32, dim int, centroids []float32, parallelism int) ([]uint32, error) {
	if dim <= 0 || len(vectors)%dim != 0 || len(centroids)%dim != 0 {
		return nil, fmt.Errorf("kmeans: inconsistent dimensions (dim=%d, vectors=%d, centroids=%d)", dim, len(vectors), len(centroids))
	}
	if len(centroids) == 0 {
		return nil, fmt.Errorf("kmeans: no centroids to assign against")
	}
	n := len(vectors) / dim
	out := make([]uint32, n)
	if n == 0 {
		return out, nil
	}

	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	if parallelism > n {
		parallelism = n
	}

	g, ctx := errgroup.WithContext(ctx)
	chunk := (n + parallelism - 1) / parallelism
	for start := 0; start < n; start += chunk {
		start, end := start, min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				out[i] = uint32(nearest(vectors[i*dim:(i+1)*dim], centroids, dim))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// nearest returns the index of the centroid closest to vec under squared
// Euclidean distance. The first best match wins, so ties go to the lowest id.
func nearest(vec, centroids []float32, dim int) int {
	k := len(centroids) / dim
	best := 0
	bestDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := distance.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < bestDist {
			bestDist = d
			best = j
		}
	}
	return best
}
