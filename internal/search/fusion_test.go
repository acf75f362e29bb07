package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/storage"
)

func hits(ids ...string) []storage.Hit {
	out := make([]storage.Hit, len(ids))
	for i, id := range ids {
		out[i] = storage.Hit{ID: id, Score: float32(100 - i)}
	}
	return out
}

func TestFuse_KeepsSingleSignalMatches(t *testing.T) {
	fused := Fuse(storage.SignalHits{
		Text:   hits("both", "dense-only"),
		Sparse: hits("sparse-only", "both"),
	}, "c", 60, true)

	byID := map[string]Candidate{}
	for _, c := range fused {
		byID[c.Hit.ID] = c
	}
	require.Len(t, byID, 3)
	assert.Contains(t, byID, "dense-only")
	assert.Contains(t, byID, "sparse-only")
	assert.Equal(t, "both", fused[0].Hit.ID, "agreement of two signals wins")

	for _, c := range fused {
		assert.Greater(t, c.Score, 0.0)
		assert.LessOrEqual(t, c.Score, 1.0)
	}
	assert.Equal(t, 1, byID["both"].DenseRank)
	assert.Equal(t, 2, byID["both"].SparseRank)
}

func TestFuse_RankNotRawScore(t *testing.T) {
	// Raw scores differ by orders of magnitude; only ranks matter.
	dense := []storage.Hit{{ID: "a", Score: 0.91}, {ID: "b", Score: 0.90}}
	sparse := []storage.Hit{{ID: "b", Score: 42}, {ID: "a", Score: 0.1}}
	fused := Fuse(storage.SignalHits{Code: dense, Sparse: sparse}, "c", 60, true)
	require.Len(t, fused, 2)
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.Equal(t, "a", fused[0].Hit.ID, "ties break by id")
}

func TestFuse_NormalizedAcrossCollections(t *testing.T) {
	top := Fuse(storage.SignalHits{Text: hits("x"), Sparse: hits("x")}, "a", 60, true)
	require.Len(t, top, 1)
	assert.InDelta(t, 1.0, top[0].Score, 1e-9)

	denseOnly := Fuse(storage.SignalHits{Text: hits("y")}, "b", 60, false)
	require.Len(t, denseOnly, 1)
	assert.InDelta(t, 1.0, denseOnly[0].Score, 1e-9)

	assert.Empty(t, Fuse(storage.SignalHits{}, "c", 0, true))
}
