//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/embedding"
)

// setupTestStorage creates a fresh collection. Skips the test if Qdrant is
// not running on localhost:6334.
func setupTestStorage(t *testing.T) (*QdrantStorage, CollectionSpec) {
	t.Helper()
	s, err := NewQdrantStorage(Config{Host: "localhost", Port: 6334, Timeout: 5 * time.Second}, nil)
	if err != nil {
		t.Skipf("Qdrant not available: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	spec := CollectionSpec{
		Name:          "test_" + uuid.NewString()[:8],
		TextDimension: 4,
		CodeDimension: 3,
		Hybrid:        true,
	}
	require.NoError(t, s.EnsureCollection(context.Background(), spec))
	t.Cleanup(func() { _ = s.DeleteCollection(context.Background(), spec.Name) })
	return s, spec
}

func testPoint(id, path, rel, vector string, dense []float32, sparse embedding.SparseVector) Point {
	return Point{
		ID:     id,
		Vector: vector,
		Dense:  dense,
		Sparse: sparse,
		Payload: Payload{
			TenantID:  "tenant",
			DatasetID: "dataset",
			Path:      path,
			RelPath:   rel,
			Dirs:      Ancestors(rel),
			Kind:      "code",
			Language:  "go",
			Content:   "content of " + rel,
			IndexedAt: time.Now().UTC().Truncate(time.Second),
		},
	}
}

func TestEnsureCollection_Idempotent(t *testing.T) {
	s, spec := setupTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureCollection(ctx, spec))

	other := spec
	other.TextDimension = 8
	s.mu.Lock()
	delete(s.specs, spec.Name)
	s.mu.Unlock()
	err := s.EnsureCollection(ctx, other)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestUpsertDeleteAndCount(t *testing.T) {
	s, spec := setupTestStorage(t)
	ctx := context.Background()

	a1, a2, b1 := uuid.NewString(), uuid.NewString(), uuid.NewString()
	points := []Point{
		testPoint(a1, "/src/pkg/a.go", "pkg/a.go", VectorCode, []float32{1, 0, 0}, embedding.SparseVector{}),
		testPoint(a2, "/src/pkg/a.go", "pkg/a.go", VectorCode, []float32{0, 1, 0}, embedding.SparseVector{}),
		testPoint(b1, "/src/b.go", "b.go", VectorCode, []float32{0, 0, 1}, embedding.SparseVector{}),
	}
	require.NoError(t, s.UpsertChunks(ctx, spec.Name, points))
	// Same ids again: upsert, not duplicate.
	require.NoError(t, s.UpsertChunks(ctx, spec.Name, points))

	n, err := s.Count(ctx, spec.Name, Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	require.NoError(t, s.DeleteStale(ctx, spec.Name, "dataset", "/src/pkg/a.go", []string{a1}))
	n, err = s.Count(ctx, spec.Name, Filter{Path: "/src/pkg/a.go"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	require.NoError(t, s.DeleteByPath(ctx, spec.Name, "dataset", "/src/pkg/a.go"))
	n, err = s.Count(ctx, spec.Name, Filter{})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n, "only the other file's chunk remains")
}

func TestUpsertChunks_DimensionMismatch(t *testing.T) {
	s, spec := setupTestStorage(t)
	p := testPoint(uuid.NewString(), "/x.md", "x.md", VectorText, []float32{1, 2}, embedding.SparseVector{})
	err := s.UpsertChunks(context.Background(), spec.Name, []Point{p})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestHybridSearch_SignalsAndPrefixFilter(t *testing.T) {
	s, spec := setupTestStorage(t)
	ctx := context.Background()

	enc := embedding.NewSparseEncoder()
	inPkg := uuid.NewString()
	outside := uuid.NewString()
	require.NoError(t, s.UpsertChunks(ctx, spec.Name, []Point{
		testPoint(inPkg, "/src/pkg/retry.go", "pkg/retry.go", VectorCode, []float32{1, 0, 0}, enc.EncodeDocument("retry backoff")),
		testPoint(outside, "/src/main.go", "main.go", VectorCode, []float32{1, 0, 0}, enc.EncodeDocument("retry backoff")),
	}))

	hits, err := s.HybridSearch(ctx, spec.Name, HybridQuery{
		Text:   []float32{1, 0, 0, 0},
		Code:   []float32{1, 0, 0},
		Sparse: enc.EncodeQuery("backoff"),
		Limit:  10,
	})
	require.NoError(t, err)
	assert.Len(t, hits.Code, 2)
	assert.Len(t, hits.Sparse, 2)
	assert.Empty(t, hits.Text)

	hits, err = s.HybridSearch(ctx, spec.Name, HybridQuery{
		Code:   []float32{1, 0, 0},
		Filter: Filter{PathPrefix: "pkg"},
		Limit:  10,
	})
	require.NoError(t, err)
	require.Len(t, hits.Code, 1)
	assert.Equal(t, inPkg, hits.Code[0].ID)
	assert.Equal(t, "pkg/retry.go", hits.Code[0].Payload.RelPath)
}

func TestCollectionNotFound(t *testing.T) {
	s, _ := setupTestStorage(t)
	_, err := s.Count(context.Background(), "missing_"+uuid.NewString()[:8], Filter{})
	assert.ErrorIs(t, err, ErrCollectionNotFound)
}
