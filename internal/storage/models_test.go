package storage

import (
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/embedding"
)

func TestAncestors(t *testing.T) {
	tests := []struct {
		rel  string
		want []string
	}{
		{"main.go", nil},
		{"a/b/c.go", []string{"a", "a/b"}},
		{"/a/b/c.go", []string{"a", "a/b"}},
		{`a\b\c.go`, []string{"a", "a/b"}},
		{"", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Ancestors(tt.rel), tt.rel)
	}
}

func TestNormalizePrefix(t *testing.T) {
	assert.Equal(t, "internal/storage", NormalizePrefix("/internal/storage/"))
	assert.Equal(t, "internal", NormalizePrefix("./internal"))
	assert.Equal(t, "", NormalizePrefix("/"))
}

func TestNewPoint_RoutesByKind(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	code := embedding.Embedded{
		Chunk: chunk.Chunk{
			ID:         "11111111-1111-5111-8111-111111111111",
			Kind:       chunk.KindCode,
			Language:   "go",
			Path:       "/src/internal/a/b.go",
			RelPath:    "internal/a/b.go",
			StartLine:  3,
			EndLine:    9,
			Content:    "func B() {}",
			Provenance: chunk.Provenance{Repository: "acme/repo", Branch: "main", Revision: "abc"},
		},
		Dense:  []float32{1, 2},
		Sparse: embedding.SparseVector{Indices: []uint32{7}, Values: []float32{1}},
	}

	p := NewPoint(code, "tenant", "dataset", now)
	assert.Equal(t, VectorCode, p.Vector)
	assert.Equal(t, []string{"internal", "internal/a"}, p.Payload.Dirs)
	assert.Equal(t, "acme/repo", p.Payload.Repository)
	assert.Equal(t, "tenant", p.Payload.TenantID)
	assert.Equal(t, now, p.Payload.IndexedAt)

	text := code
	text.Chunk.Kind = chunk.KindText
	assert.Equal(t, VectorText, NewPoint(text, "tenant", "dataset", now).Vector)
}

func TestPayload_RoundTripThroughQdrantValues(t *testing.T) {
	in := Payload{
		TenantID:   "t",
		DatasetID:  "d",
		Path:       "https://docs.example.com/guide",
		RelPath:    "guide",
		URL:        "https://docs.example.com/guide",
		StartChar:  10,
		EndChar:    90,
		Kind:       "text",
		Language:   "html",
		Content:    "hello",
		HeaderPath: "# Guide",
		ChunkIndex: 2,
		Metadata:   map[string]string{"title": "Guide"},
		IndexedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	out := payloadFrom(qdrant.NewValueMap(in.toMap()))
	assert.Equal(t, in, out)

	in.Dirs = []string{"a", "a/b"}
	in.Metadata = nil
	out = payloadFrom(qdrant.NewValueMap(in.toMap()))
	assert.Equal(t, in, out)
}

func TestFilter_Build(t *testing.T) {
	assert.Nil(t, Filter{}.build())

	f := Filter{
		DatasetIDs: []string{"d1", "d2"},
		Languages:  []string{"go"},
		PathPrefix: "/internal/",
	}.build()
	require.NotNil(t, f)
	require.Len(t, f.Must, 3)

	prefix := f.Must[2].GetFilter()
	require.NotNil(t, prefix)
	require.Len(t, prefix.Should, 2)
	assert.Equal(t, fieldDirs, prefix.Should[0].GetField().GetKey())
	assert.Equal(t, "internal", prefix.Should[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, fieldRelPath, prefix.Should[1].GetField().GetKey())

	single := Filter{DatasetIDs: []string{"d1"}, Path: "/x/y.go"}.build()
	require.Len(t, single.Must, 2)
	assert.Equal(t, "d1", single.Must[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, "/x/y.go", single.Must[1].GetField().GetMatch().GetKeyword())
}

func TestToPointStruct_SkipsEmptySparse(t *testing.T) {
	p := Point{ID: "11111111-1111-5111-8111-111111111111", Vector: VectorText, Dense: []float32{0.1}}
	ps := toPointStruct(p)
	vectors := ps.GetVectors().GetVectors().GetVectors()
	assert.Contains(t, vectors, VectorText)
	assert.NotContains(t, vectors, VectorLexical)

	p.Sparse = embedding.SparseVector{Indices: []uint32{1, 5}, Values: []float32{0.5, 0.25}}
	vectors = toPointStruct(p).GetVectors().GetVectors().GetVectors()
	assert.Contains(t, vectors, VectorLexical)
}
