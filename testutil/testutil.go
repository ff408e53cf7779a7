// Package testutil provides helpers for tests and benchmarks: seeded vector
// generation, exact nearest-neighbor ground truth and recall computation.
// It is not intended for production use.
package testutil

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/ivexdb/ivex/distance"
)

// Hit is one exact-search result.
type Hit struct {
	ID    uint32
	Score float32
}

// RNG is a seeded, thread-safe random vector generator.
type RNG struct {
	mu   sync.Mutex
	rand *rand.Rand
	seed int64
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed)), seed: seed}
}

// Reset rewinds the generator to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand.Seed(r.seed)
}

// FillUniform fills vec with uniform values in [-1, 1).
func (r *RNG) FillUniform(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = r.rand.Float32()*2 - 1
	}
}

// FillGaussian fills vec with standard normal values.
func (r *RNG) FillGaussian(vec []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range vec {
		vec[i] = float32(r.rand.NormFloat64())
	}
}

// UniformVectors generates n uniform vectors of the given dimension.
func (r *RNG) UniformVectors(n, dim int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, dim)
		r.FillUniform(rows[i])
	}
	return rows
}

// GaussianVectors generates n standard normal vectors of the given
// dimension.
func (r *RNG) GaussianVectors(n, dim int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, dim)
		r.FillGaussian(rows[i])
	}
	return rows
}

// ExactTopK scans the whole dataset and returns the k rows most similar to
// the query under cosine similarity, ordered by descending score with ties
// broken by ascending id. Rows with zero norm are skipped.
func ExactTopK(query []float32, dataset [][]float32, k int) []Hit {
	qn := distance.Norm(query)
	hits := make([]Hit, 0, len(dataset))
	for id, row := range dataset {
		score, err := distance.CosineWithNorm(query, qn, row)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: uint32(id), Score: score})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// ComputeRecall returns the fraction of exact ids present in the
// approximate result set.
func ComputeRecall(approx []uint32, exact []Hit) float64 {
	if len(exact) == 0 {
		return 1
	}
	got := make(map[uint32]struct{}, len(approx))
	for _, id := range approx {
		got[id] = struct{}{}
	}
	var found int
	for _, h := range exact {
		if _, ok := got[h.ID]; ok {
			found++
		}
	}
	return float64(found) / float64(len(exact))
}
