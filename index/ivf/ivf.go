// Package ivf implements a coarse-quantization (inverted file) index over an
// append-only vector store.
//
// An index is the pair (ordered centroid sequence, one posting list per
// centroid). Posting lists partition the dense row-id space [0, N): every
// row belongs to exactly one list, determined by nearest-centroid assignment
// under Euclidean distance at build time.
//
// The index is derived, disposable state: it can always be regenerated from
// the store and carries no independent source of truth. Each build writes a
// fresh epoch directory and publishes it by atomically renaming the MANIFEST
// file; a published Index value is immutable and safe for concurrent reads.
package ivf

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ivexdb/ivex/distance"
)

var (
	// ErrNotFound is returned when opening an index directory without a
	// published manifest.
	ErrNotFound = errors.New("ivf: no index manifest found")

	// ErrNoRows is returned when building over an empty store.
	ErrNoRows = errors.New("ivf: cannot build an index over an empty store")

	// ErrNoCentroids is returned when searching an index with no centroids.
	ErrNoCentroids = errors.New("ivf: index has no centroids")

	// ErrPartition is returned when a build produces posting lists that do
	// not partition the row space.
	ErrPartition = errors.New("ivf: posting lists do not partition the row space")

	// ErrIO wraps a read or write failure on index files.
	ErrIO = errors.New("ivf: i/o failure")
)

// ErrDimensionMismatch indicates a query or store dimension that differs
// from the index dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("ivf: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// CentroidStore persists the ordered centroid sequence: position equals
// centroid id, each centroid is dim 4-byte floats.
type CentroidStore interface {
	WriteCentroids(centroids []float32) error
	ReadCentroids() ([]float32, error)
}

// PostingStore persists one row-id list per centroid id.
type PostingStore interface {
	WriteList(centroid int, ids *roaring.Bitmap) error
	ReadList(centroid int) (*roaring.Bitmap, error)
}

// Index is a published, immutable IVF index snapshot.
type Index struct {
	dim       int
	epoch     uint64
	rows      uint64
	centroids []float32         // flattened, centroidCount * dim
	norms     []float32         // hoisted centroid L2 norms
	postings  []*roaring.Bitmap // one per centroid id
}

// Dimension returns the vector dimension the index was built for.
func (x *Index) Dimension() int { return x.dim }

// Epoch returns the build epoch of this snapshot.
func (x *Index) Epoch() uint64 { return x.epoch }

// Rows returns the number of rows covered by this snapshot.
func (x *Index) Rows() uint64 { return x.rows }

// CentroidCount returns the number of centroids C.
func (x *Index) CentroidCount() int { return len(x.centroids) / max(x.dim, 1) }

// PostingCardinality returns the number of rows assigned to the centroid.
func (x *Index) PostingCardinality(centroid int) uint64 {
	if centroid < 0 || centroid >= len(x.postings) {
		return 0
	}
	return x.postings[centroid].GetCardinality()
}

// newIndex assembles an in-memory snapshot and hoists the centroid norms.
func newIndex(m manifest, centroids []float32, postings []*roaring.Bitmap) *Index {
	x := &Index{
		dim:       m.Dimension,
		epoch:     m.Epoch,
		rows:      m.Rows,
		centroids: centroids,
		postings:  postings,
	}
	x.norms = make([]float32, m.Centroids)
	for c := 0; c < m.Centroids; c++ {
		x.norms[c] = distance.Norm(centroids[c*m.Dimension : (c+1)*m.Dimension])
	}
	return x
}
