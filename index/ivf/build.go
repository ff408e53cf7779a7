package ivf

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bitset"

	"github.com/ivexdb/ivex/internal/fs"
	"github.com/ivexdb/ivex/internal/kmeans"
	"github.com/ivexdb/ivex/store"
)

// BuildConfig parameterizes one index build.
type BuildConfig struct {
	// Centroids is the target centroid count C, resolved from the store
	// size by the caller's policy. It is clamped to [1, N].
	Centroids int

	// Seed fixes the clustering RNG for reproducible builds.
	Seed int64

	// KMeans bounds the mini-batch training run.
	KMeans kmeans.Options
}

// Build produces a fresh index from the complete store contents and
// publishes it.
//
// The new epoch is written to its own directory and becomes visible only
// when the MANIFEST rename succeeds, so a failed build leaves the previously
// published index untouched and usable. Stale epoch directories are removed
// after publishing. The caller must hold the writer side of the store's
// single-writer contract for the duration of the build.
func Build(ctx context.Context, fsys fs.FileSystem, dir string, vs *store.Store, cfg BuildConfig) (*Index, error) {
	if fsys == nil {
		fsys = fs.Default
	}

	n := vs.Count()
	if n == 0 {
		return nil, ErrNoRows
	}
	dim := vs.Dimension()

	c := cfg.Centroids
	if c < 1 {
		c = 1
	}
	if uint64(c) > n {
		c = int(n)
	}

	vectors := vs.RawVectors()

	centroids, err := kmeans.Train(ctx, vectors, dim, c, cfg.Seed, cfg.KMeans)
	if err != nil {
		return nil, fmt.Errorf("ivf: clustering: %w", err)
	}
	labels, err := kmeans.Assign(ctx, vectors, dim, centroids, cfg.KMeans.Parallelism)
	if err != nil {
		return nil, fmt.Errorf("ivf: assignment: %w", err)
	}

	// Buffer each centroid's row ids fully in memory and write once per
	// centroid; the partition invariant is checked before anything is
	// persisted.
	postings := make([]*roaring.Bitmap, c)
	for i := range postings {
		postings[i] = roaring.New()
	}
	seen := bitset.New(uint(n))
	for row, label := range labels {
		if int(label) >= c {
			return nil, fmt.Errorf("%w: row %d assigned to centroid %d of %d", ErrPartition, row, label, c)
		}
		if seen.Test(uint(row)) {
			return nil, fmt.Errorf("%w: row %d assigned twice", ErrPartition, row)
		}
		seen.Set(uint(row))
		postings[label].Add(uint32(row))
	}
	if seen.Count() != uint(n) {
		return nil, fmt.Errorf("%w: %d of %d rows assigned", ErrPartition, seen.Count(), n)
	}

	// Determine the next epoch from the currently published manifest.
	var epoch uint64 = 1
	if prev, err := loadManifest(fsys, dir); err == nil {
		epoch = prev.Epoch + 1
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	epochDir := filepath.Join(dir, epochDirName(epoch))
	postingsDir := filepath.Join(epochDir, postingsDirName)
	if err := fsys.MkdirAll(postingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create epoch dir: %w", ErrIO, err)
	}

	cs := &fileCentroidStore{fsys: fsys, path: filepath.Join(epochDir, centroidsName), dim: dim}
	if err := cs.WriteCentroids(centroids); err != nil {
		return nil, err
	}
	ps := &filePostingStore{fsys: fsys, dir: postingsDir}
	for i, bm := range postings {
		if err := ps.WriteList(i, bm); err != nil {
			return nil, err
		}
	}

	m := manifest{
		Version:   manifestVersion,
		Epoch:     epoch,
		Dimension: dim,
		Centroids: c,
		Rows:      n,
		Seed:      cfg.Seed,
	}
	if err := publishManifest(fsys, dir, m); err != nil {
		return nil, err
	}

	// Best effort: the new epoch is already live.
	_ = removeStaleEpochs(fsys, dir, epoch)

	return newIndex(m, centroids, postings), nil
}
