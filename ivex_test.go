package ivex

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ivexdb/ivex/distance"
	"github.com/ivexdb/ivex/internal/fs"
	"github.com/ivexdb/ivex/testutil"
)

const testDim = 70

func newTestDB(t *testing.T, initial [][]float32, optFns ...Option) *DB {
	t.Helper()
	dir := t.TempDir()
	optFns = append([]Option{WithSeed(42)}, optFns...)
	db, err := Create(context.Background(), filepath.Join(dir, "vectors.vec"), filepath.Join(dir, "index"), testDim, initial, optFns...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	rng := testutil.NewRNG(1)
	rows := rng.UniformVectors(50, testDim)
	db := newTestDB(t, rows)

	for _, id := range []uint32{0, 17, 49} {
		got, err := db.GetRow(id)
		require.NoError(t, err)
		assert.Equal(t, rows[id], got)
	}

	more := rng.UniformVectors(10, testDim)
	count, err := db.InsertRecords(context.Background(), more)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), count)

	// rows written before the append are untouched
	got, err := db.GetRow(17)
	require.NoError(t, err)
	assert.Equal(t, rows[17], got)

	got, err = db.GetRow(55)
	require.NoError(t, err)
	assert.Equal(t, more[5], got)
}

func TestGetRowOutOfRange(t *testing.T) {
	db := newTestDB(t, testutil.NewRNG(2).UniformVectors(10, testDim))

	_, err := db.GetRow(10)
	var oor *ErrOutOfRange
	require.ErrorAs(t, err, &oor)
	assert.Equal(t, uint32(10), oor.ID)
	assert.Equal(t, uint64(10), oor.Count)
}

func TestGetRowsEmptyInput(t *testing.T) {
	db := newTestDB(t, testutil.NewRNG(3).UniformVectors(10, testDim))

	rows, err := db.GetRows(nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestGetRowsUnsorted(t *testing.T) {
	db := newTestDB(t, testutil.NewRNG(4).UniformVectors(10, testDim))

	_, err := db.GetRows([]uint32{3, 1})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRetrieveSelfMatch(t *testing.T) {
	rows := testutil.NewRNG(5).UniformVectors(100, testDim)
	db := newTestDB(t, rows, WithProbePolicy(FixedProbes(1000)))

	ids, err := db.Retrieve(context.Background(), rows[5], 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, uint32(5), ids[0])
}

func TestRetrieveFullProbeMatchesExactScan(t *testing.T) {
	rng := testutil.NewRNG(6)
	rows := rng.UniformVectors(100, testDim)
	db := newTestDB(t, rows,
		WithCentroidPolicy(FixedCentroids(20)),
		WithProbePolicy(FixedProbes(20)),
	)

	query := make([]float32, testDim)
	rng.FillUniform(query)

	got, err := db.RetrieveWithScores(context.Background(), query, 10)
	require.NoError(t, err)

	want := testutil.ExactTopK(query, rows, 10)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID, "rank %d", i)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-5, "rank %d", i)
	}
}

func TestRetrieveIsScaleInvariant(t *testing.T) {
	rng := testutil.NewRNG(22)
	rows := rng.UniformVectors(60, testDim)
	db := newTestDB(t, rows, WithProbePolicy(FixedProbes(1000)))

	query := make([]float32, testDim)
	rng.FillUniform(query)
	normalized := append([]float32(nil), query...)
	require.True(t, distance.NormalizeL2InPlace(normalized))

	got, err := db.RetrieveWithScores(context.Background(), query, 10)
	require.NoError(t, err)
	gotNorm, err := db.RetrieveWithScores(context.Background(), normalized, 10)
	require.NoError(t, err)

	require.Len(t, gotNorm, len(got))
	for i := range got {
		assert.Equal(t, got[i].ID, gotNorm[i].ID, "rank %d", i)
		assert.InDelta(t, got[i].Score, gotNorm[i].Score, 1e-5, "rank %d", i)
	}
}

func TestRetrieveOversizedTopK(t *testing.T) {
	rows := testutil.NewRNG(7).UniformVectors(100, testDim)
	db := newTestDB(t, rows, WithProbePolicy(FixedProbes(1000)))

	ids, err := db.Retrieve(context.Background(), rows[0], 1000)
	require.NoError(t, err)
	assert.Len(t, ids, 100)
}

func TestRetrieveValidation(t *testing.T) {
	rows := testutil.NewRNG(8).UniformVectors(20, testDim)
	db := newTestDB(t, rows)

	_, err := db.Retrieve(context.Background(), rows[0], 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = db.Retrieve(context.Background(), make([]float32, testDim+1), 5)
	var mismatch *ErrDimensionMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, testDim, mismatch.Expected)

	_, err = db.Retrieve(context.Background(), make([]float32, testDim), 5)
	require.ErrorIs(t, err, ErrZeroNorm)
}

func TestRetrieveEmptyStore(t *testing.T) {
	db := newTestDB(t, nil)

	query := make([]float32, testDim)
	query[0] = 1
	_, err := db.Retrieve(context.Background(), query, 5)
	require.ErrorIs(t, err, ErrEmptyStore)
}

func TestRebuildIsDeterministic(t *testing.T) {
	rows := testutil.NewRNG(9).UniformVectors(80, testDim)
	db := newTestDB(t, rows)

	query := rows[12]
	first, err := db.RetrieveWithScores(context.Background(), query, 10)
	require.NoError(t, err)

	require.NoError(t, db.Rebuild(context.Background()))

	second, err := db.RetrieveWithScores(context.Background(), query, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestOpenExistingDatabase(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "vectors.vec")
	indexPath := filepath.Join(dir, "index")
	rows := testutil.NewRNG(10).UniformVectors(60, testDim)

	db, err := Create(context.Background(), storePath, indexPath, testDim, rows, WithSeed(42))
	require.NoError(t, err)
	epoch := db.IndexEpoch()
	require.NoError(t, db.Close())

	reopened, err := Open(context.Background(), storePath, indexPath, testDim, WithSeed(42))
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, uint64(60), reopened.RecordCount())
	assert.Equal(t, epoch, reopened.IndexEpoch())

	ids, err := reopened.Retrieve(context.Background(), rows[3], 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, ids)
}

func TestInsertKeepsRowsWhenRebuildFails(t *testing.T) {
	dir := t.TempDir()
	storePath := filepath.Join(dir, "vectors.vec")
	indexPath := filepath.Join(dir, "index")
	rng := testutil.NewRNG(11)
	rows := rng.UniformVectors(40, testDim)

	faulty := fs.NewFaultyFS(fs.Default)
	db, err := Create(context.Background(), storePath, indexPath, testDim, rows,
		WithSeed(42), WithFileSystem(faulty))
	require.NoError(t, err)
	defer db.Close()

	oldEpoch := db.IndexEpoch()

	// break the next epoch's files; the append itself must survive
	faulty.AddRule("epoch-000002", fs.Fault{FailAfterBytes: 0})
	_, err = db.InsertRecords(context.Background(), rng.UniformVectors(5, testDim))
	require.ErrorIs(t, err, ErrBuildFailure)

	assert.Equal(t, uint64(45), db.RecordCount())
	assert.Equal(t, oldEpoch, db.IndexEpoch())

	// the previously published index still serves queries
	ids, err := db.Retrieve(context.Background(), rows[7], 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{7}, ids)
}

func TestInsertStoreWriteFaultIsIOFailure(t *testing.T) {
	dir := t.TempDir()
	rng := testutil.NewRNG(21)
	rows := rng.UniformVectors(20, testDim)

	faulty := fs.NewFaultyFS(fs.Default)
	db, err := Create(context.Background(), filepath.Join(dir, "vectors.vec"), filepath.Join(dir, "index"),
		testDim, rows, WithSeed(42), WithFileSystem(faulty))
	require.NoError(t, err)
	defer db.Close()

	// break the store file mid-write; the failed append must be rolled back
	faulty.AddRule("vectors.vec", fs.Fault{FailAfterBytes: 4})
	_, err = db.InsertRecords(context.Background(), rng.UniformVectors(3, testDim))
	require.ErrorIs(t, err, ErrIOFailure)

	assert.Equal(t, uint64(20), db.RecordCount())
	ids, err := db.Retrieve(context.Background(), rows[3], 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{3}, ids)
}

func TestInsertEmptyBatch(t *testing.T) {
	db := newTestDB(t, testutil.NewRNG(12).UniformVectors(10, testDim))

	_, err := db.InsertRecords(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRecallAtModerateProbe(t *testing.T) {
	rng := testutil.NewRNG(13)
	rows := rng.GaussianVectors(500, testDim)
	db := newTestDB(t, rows,
		WithCentroidPolicy(FixedCentroids(25)),
		WithProbePolicy(FixedProbes(8)),
	)

	var total float64
	const queries = 20
	for q := 0; q < queries; q++ {
		query := make([]float32, testDim)
		rng.FillGaussian(query)

		ids, err := db.Retrieve(context.Background(), query, 10)
		require.NoError(t, err)
		total += testutil.ComputeRecall(ids, testutil.ExactTopK(query, rows, 10))
	}
	assert.Greater(t, total/queries, 0.5, "recall collapsed")
}

func TestClosedDatabase(t *testing.T) {
	db := newTestDB(t, testutil.NewRNG(14).UniformVectors(10, testDim))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.GetRow(0)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.Retrieve(context.Background(), make([]float32, testDim), 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = db.InsertRecords(context.Background(), testutil.NewRNG(15).UniformVectors(1, testDim))
	require.ErrorIs(t, err, ErrClosed)
}

func TestMetricsCollection(t *testing.T) {
	metrics := &BasicMetricsCollector{}
	rows := testutil.NewRNG(16).UniformVectors(30, testDim)
	db := newTestDB(t, rows, WithMetricsCollector(metrics))

	_, err := db.Retrieve(context.Background(), rows[0], 5)
	require.NoError(t, err)
	_, err = db.InsertRecords(context.Background(), testutil.NewRNG(17).UniformVectors(2, testDim))
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.RetrieveCount.Load())
	assert.Equal(t, int64(1), metrics.InsertCount.Load())
	assert.GreaterOrEqual(t, metrics.BuildCount.Load(), int64(2))
	assert.Zero(t, metrics.RetrieveErrors.Load())
}
