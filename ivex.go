// Package ivex is an embedded approximate-nearest-neighbor search engine
// for fixed-dimension float32 vectors.
//
// Vectors live in a durable, append-only store file addressed by dense row
// id. Retrieval runs over an inverted-file (IVF) index: rows are clustered
// with mini-batch k-means, each cluster keeps a posting list of its row ids,
// and a query probes only the posting lists of the centroids nearest to it
// before ranking candidates by cosine similarity.
//
// The index is derived state. Every build produces a complete replacement
// that is published atomically; readers in flight keep the snapshot they
// started with, and a failed build leaves the previous index in service.
package ivex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ivexdb/ivex/index/ivf"
	"github.com/ivexdb/ivex/store"
)

// Result is one retrieval hit: a row id and its cosine similarity to the
// query, in [-1, 1].
type Result struct {
	ID    uint32
	Score float32
}

// DB is an embedded vector database. It is safe for concurrent use: reads
// run lock-free against published index snapshots, writes are serialized.
type DB struct {
	opts      options
	dim       int
	indexPath string

	mu  sync.Mutex // serializes insert, rebuild and restore
	vs  *store.Store
	idx atomic.Pointer[ivf.Index]

	closed atomic.Bool
}

// Create initializes a new database: a store file at storePath holding the
// initial rows, and, when initial rows are present, a first index build
// published under indexPath.
func Create(ctx context.Context, storePath, indexPath string, dim int, initial [][]float32, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns...)

	vs, err := store.Create(opts.fsys, storePath, dim, initial)
	if err != nil {
		return nil, translateError(err)
	}

	db := &DB{opts: opts, dim: dim, indexPath: indexPath, vs: vs}
	if len(initial) > 0 {
		if err := db.Rebuild(ctx); err != nil {
			_ = vs.Close()
			return nil, err
		}
	}
	return db, nil
}

// Open opens an existing database. A published index under indexPath is
// loaded if present; otherwise, if the store holds rows, a fresh index is
// built before Open returns.
func Open(ctx context.Context, storePath, indexPath string, dim int, optFns ...Option) (*DB, error) {
	opts := applyOptions(optFns...)

	vs, err := store.Open(opts.fsys, storePath, dim)
	if err != nil {
		return nil, translateError(err)
	}

	db := &DB{opts: opts, dim: dim, indexPath: indexPath, vs: vs}

	idx, err := ivf.Open(ctx, opts.fsys, indexPath, dim)
	switch {
	case err == nil:
		db.idx.Store(idx)
	case errors.Is(err, ivf.ErrNotFound):
		if vs.Count() > 0 {
			if err := db.Rebuild(ctx); err != nil {
				_ = vs.Close()
				return nil, err
			}
		}
	default:
		_ = vs.Close()
		return nil, translateError(err)
	}
	return db, nil
}

// Dimension returns the vector dimension of the database.
func (db *DB) Dimension() int { return db.dim }

// RecordCount returns the number of stored vectors.
func (db *DB) RecordCount() uint64 { return db.vs.Count() }

// IndexEpoch returns the epoch of the currently published index, or zero
// when no index has been built.
func (db *DB) IndexEpoch() uint64 {
	if idx := db.idx.Load(); idx != nil {
		return idx.Epoch()
	}
	return 0
}

// InsertRecords appends rows to the store and synchronously rebuilds the
// index over the grown row set. The append is durable independently of the
// rebuild: if the rebuild fails, the rows are kept, the previous index (if
// any) stays in service and the error reports the build failure.
func (db *DB) InsertRecords(ctx context.Context, rows [][]float32) (uint64, error) {
	start := time.Now()

	count, err := db.insertRecords(ctx, rows)
	db.opts.metricsCollector.RecordInsert(len(rows), time.Since(start), err)
	db.opts.logger.logInsert(len(rows), count, time.Since(start), err)
	return count, err
}

func (db *DB) insertRecords(ctx context.Context, rows [][]float32) (uint64, error) {
	if db.closed.Load() {
		return 0, ErrClosed
	}
	if len(rows) == 0 {
		return 0, ErrInvalidArgument
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	count, err := db.vs.Append(rows)
	if err != nil {
		return db.vs.Count(), translateError(err)
	}
	if err := db.rebuildLocked(ctx); err != nil {
		return count, err
	}
	return count, nil
}

// Rebuild performs a full index build over the current store contents and
// publishes it atomically.
func (db *DB) Rebuild(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.rebuildLocked(ctx)
}

func (db *DB) rebuildLocked(ctx context.Context) error {
	start := time.Now()
	rows := db.vs.Count()

	idx, err := ivf.Build(ctx, db.opts.fsys, db.indexPath, db.vs, ivf.BuildConfig{
		Centroids: db.opts.centroidPolicy(rows),
		Seed:      db.opts.seed,
		KMeans:    db.opts.kmeans,
	})
	if err != nil {
		err = translateError(err)
		if !errors.Is(err, ErrEmptyStore) && !errors.Is(err, ErrBuildFailure) &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", ErrBuildFailure, err)
		}
	}

	db.opts.metricsCollector.RecordBuild(rows, time.Since(start), err)
	if err != nil {
		db.opts.logger.logBuild(rows, 0, 0, time.Since(start), err)
		return err
	}

	db.idx.Store(idx)
	db.opts.logger.logBuild(rows, idx.CentroidCount(), idx.Epoch(), time.Since(start), nil)
	return nil
}

// Retrieve returns the ids of the topK stored vectors most similar to the
// query under cosine similarity, best first.
func (db *DB) Retrieve(ctx context.Context, query []float32, topK int) ([]uint32, error) {
	results, err := db.RetrieveWithScores(ctx, query, topK)
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids, nil
}

// RetrieveWithScores is Retrieve with the cosine similarity of each hit.
// Results are ordered by descending score; equal scores order by ascending
// id. Fewer than topK results are returned when the probed posting lists
// hold fewer candidates.
func (db *DB) RetrieveWithScores(ctx context.Context, query []float32, topK int) ([]Result, error) {
	start := time.Now()

	results, err := db.retrieve(ctx, query, topK)
	db.opts.metricsCollector.RecordRetrieve(topK, time.Since(start), err)
	db.opts.logger.logRetrieve(topK, len(results), time.Since(start), err)
	return results, err
}

func (db *DB) retrieve(ctx context.Context, query []float32, topK int) ([]Result, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if topK <= 0 {
		return nil, ErrInvalidArgument
	}
	if len(query) != db.dim {
		return nil, &ErrDimensionMismatch{Expected: db.dim, Actual: len(query)}
	}

	idx := db.idx.Load()
	if idx == nil {
		return nil, ErrEmptyStore
	}

	nProbe := db.opts.probePolicy(idx.Rows())
	hits, err := idx.Search(ctx, db.vs, query, topK, nProbe)
	if err != nil {
		return nil, translateError(err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{ID: h.ID, Score: h.Score}
	}
	return results, nil
}

// GetRow returns a copy of the stored vector with the given id.
func (db *DB) GetRow(id uint32) ([]float32, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	row, err := db.vs.GetRow(id)
	return row, translateError(err)
}

// GetRows returns copies of the vectors with the given ids, which must be
// strictly ascending. The result order matches the input order.
func (db *DB) GetRows(ids []uint32) ([][]float32, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := db.vs.GetRows(ids)
	return rows, translateError(err)
}

// GetAllRows returns copies of every stored vector in id order. The whole
// store is materialized in memory; intended for small stores and tooling.
func (db *DB) GetAllRows() ([][]float32, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	rows, err := db.vs.GetAllRows()
	return rows, translateError(err)
}

// Close releases the store mapping. The database must not be used after
// Close. Close is idempotent.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.idx.Store(nil)
	return db.vs.Close()
}
