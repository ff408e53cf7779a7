package kmeans

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrainSeparatesClusters(t *testing.T) {
	ctx := context.Background()

	// Two well separated clusters around (0,0) and (10,10).
	vecs := []float32{
		0, 0, 0, 1, 1, 0, 0.5, 0.5,
		10, 10, 10, 11, 11, 10, 10.5, 10.5,
	}
	dim := 2

	centroids, err := Train(ctx, vecs, dim, 2, 42, DefaultOptions)
	require.NoError(t, err)
	require.Len(t, centroids, 2*dim)

	p1 := nearest([]float32{0.2, 0.2}, centroids, dim)
	p2 := nearest([]float32{10.2, 10.2}, centroids, dim)
	assert.NotEqual(t, p1, p2)
}

func TestTrainDeterministic(t *testing.T) {
	ctx := context.Background()

	vecs := make([]float32, 200*4)
	for i := range vecs {
		vecs[i] = float32((i*2654435761 + 17) % 1000)
	}

	a, err := Train(ctx, vecs, 4, 8, 42, DefaultOptions)
	require.NoError(t, err)
	b, err := Train(ctx, vecs, 4, 8, 42, DefaultOptions)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := Train(ctx, vecs, 4, 8, 43, DefaultOptions)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestTrainValidation(t *testing.T) {
	ctx := context.Background()

	_, err := Train(ctx, []float32{1, 2}, 0, 1, 42, DefaultOptions)
	assert.Error(t, err)

	_, err = Train(ctx, []float32{1, 2}, 2, 0, 42, DefaultOptions)
	assert.Error(t, err)

	_, err = Train(ctx, []float32{1, 2, 3}, 2, 1, 42, DefaultOptions)
	assert.Error(t, err)

	// Fewer rows than centroids.
	_, err = Train(ctx, []float32{1, 2}, 2, 2, 42, DefaultOptions)
	assert.Error(t, err)
}

func TestTrainCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	vecs := make([]float32, 1000*2)
	for i := range vecs {
		vecs[i] = float32(i)
	}

	_, err := Train(ctx, vecs, 2, 10, 42, DefaultOptions)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	centroids := []float32{
		0, 0,
		10, 10,
	}
	vecs := []float32{
		1, 1,
		9, 9,
		0.1, 0,
		11, 12,
	}

	got, err := Assign(ctx, vecs, 2, centroids, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 1, 0, 1}, got)
}

func TestAssignTieBreaksToLowestID(t *testing.T) {
	ctx := context.Background()
	// Identical centroids: every row must land on centroid 0.
	centroids := []float32{5, 5, 5, 5, 5, 5}
	vecs := []float32{1, 2, 8, 9}

	got, err := Assign(ctx, vecs, 2, centroids, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 0}, got)
}

func TestAssignEmptyInput(t *testing.T) {
	got, err := Assign(context.Background(), nil, 2, []float32{0, 0}, 4)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAssignNoCentroids(t *testing.T) {
	_, err := Assign(context.Background(), []float32{1, 2}, 2, nil, 1)
	assert.Error(t, err)
}
