package ivf

import (
	"context"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/ivexdb/ivex/distance"
	"github.com/ivexdb/ivex/internal/topk"
	"github.com/ivexdb/ivex/store"
)

// Result is one ranked search hit.
type Result struct {
	ID    uint32
	Score float32
}

// Search selects the nProbe centroids closest to the query by cosine
// similarity, unions their posting lists into the candidate set and ranks
// the candidates against the query, returning at most topK results ordered
// by descending score with ties broken by ascending id.
//
// Candidate vectors are fetched from the store in contiguous batches. A topK
// larger than the candidate set is not an error; the full ranked candidate
// set is returned.
func (x *Index) Search(ctx context.Context, vs *store.Store, query []float32, topK, nProbe int) ([]Result, error) {
	if len(query) != x.dim {
		return nil, &ErrDimensionMismatch{Expected: x.dim, Actual: len(query)}
	}
	if topK <= 0 {
		return nil, fmt.Errorf("ivf: topK must be positive, got %d", topK)
	}
	c := x.CentroidCount()
	if c == 0 {
		return nil, ErrNoCentroids
	}
	if nProbe < 1 {
		nProbe = 1
	}
	if nProbe > c {
		nProbe = c
	}

	qn := distance.Norm(query)
	if qn == 0 {
		return nil, distance.ErrZeroNorm
	}

	// Coarse stage: rank centroids by cosine against the query, reusing the
	// norms hoisted when the snapshot was assembled. Centroids with zero
	// norm cannot win a slot, so degenerate clusters fall out naturally
	// unless every centroid is degenerate.
	probe := topk.New(nProbe)
	for i := 0; i < c; i++ {
		if x.norms[i] == 0 {
			continue
		}
		dot := distance.Dot(query, x.centroids[i*x.dim:(i+1)*x.dim])
		probe.Offer(uint32(i), dot/(qn*x.norms[i]))
	}
	probed := probe.Results()
	if len(probed) == 0 {
		return nil, ErrNoCentroids
	}

	lists := make([]*roaring.Bitmap, len(probed))
	for i, p := range probed {
		lists[i] = x.postings[p.ID]
	}
	candidates := roaring.FastOr(lists...)
	if candidates.IsEmpty() {
		return []Result{}, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Fine stage: fetch candidate rows in ascending id order, which lets
	// the store coalesce contiguous runs into single reads.
	ids := candidates.ToArray()
	rows, err := vs.GetRows(ids)
	if err != nil {
		return nil, fmt.Errorf("ivf: fetch candidates: %w", err)
	}

	sel := topk.New(topK)
	for i, row := range rows {
		score, err := distance.CosineWithNorm(query, qn, row)
		if err != nil {
			continue
		}
		sel.Offer(ids[i], score)
	}

	ranked := sel.Results()
	out := make([]Result, len(ranked))
	for i, r := range ranked {
		out[i] = Result{ID: r.ID, Score: r.Score}
	}
	return out, nil
}
