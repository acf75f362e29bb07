package storage

import (
	"path"
	"strings"
	"time"

	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/embedding"
)

// Vector names within a collection.
const (
	VectorText    = "text"
	VectorCode    = "code"
	VectorLexical = "lexical"
)

// CollectionSpec describes the vector layout of a collection.
type CollectionSpec struct {
	Name          string
	TextDimension int
	CodeDimension int
	Hybrid        bool
}

// Payload is the metadata stored with each point.
type Payload struct {
	TenantID   string
	DatasetID  string
	Path       string // ledger key: absolute path, repository path or URL
	RelPath    string
	Dirs       []string // ancestor directories of RelPath, for prefix filters
	URL        string
	StartLine  int
	EndLine    int
	StartChar  int
	EndChar    int
	Kind       string
	Language   string
	Content    string
	HeaderPath string
	ChunkIndex int
	Repository string
	Branch     string
	Revision   string
	Metadata   map[string]string
	IndexedAt  time.Time
}

// Point is one chunk ready to be written.
type Point struct {
	ID      string
	Vector  string // VectorText or VectorCode
	Dense   []float32
	Sparse  embedding.SparseVector
	Payload Payload
}

// NewPoint builds the point for an embedded chunk.
func NewPoint(e embedding.Embedded, tenantID, datasetID string, indexedAt time.Time) Point {
	c := e.Chunk
	vector := VectorText
	if c.Kind == chunk.KindCode {
		vector = VectorCode
	}
	return Point{
		ID:     c.ID,
		Vector: vector,
		Dense:  e.Dense,
		Sparse: e.Sparse,
		Payload: Payload{
			TenantID:   tenantID,
			DatasetID:  datasetID,
			Path:       c.Path,
			RelPath:    c.RelPath,
			Dirs:       Ancestors(c.RelPath),
			URL:        c.URL,
			StartLine:  c.StartLine,
			EndLine:    c.EndLine,
			StartChar:  c.StartChar,
			EndChar:    c.EndChar,
			Kind:       string(c.Kind),
			Language:   c.Language,
			Content:    c.Content,
			HeaderPath: c.HeaderPath,
			ChunkIndex: c.Index,
			Repository: c.Repository,
			Branch:     c.Branch,
			Revision:   c.Revision,
			Metadata:   c.Metadata,
			IndexedAt:  indexedAt,
		},
	}
}

// Ancestors returns every ancestor directory of a slash-separated relative
// path, outermost first: "a/b/c.go" -> ["a", "a/b"].
func Ancestors(rel string) []string {
	rel = NormalizePrefix(rel)
	dir := path.Dir(rel)
	if dir == "." || dir == "/" || dir == "" {
		return nil
	}
	parts := strings.Split(dir, "/")
	out := make([]string, 0, len(parts))
	for i := range parts {
		out = append(out, strings.Join(parts[:i+1], "/"))
	}
	return out
}

// NormalizePrefix trims slashes so prefixes compare with Ancestors output.
func NormalizePrefix(p string) string {
	return strings.Trim(path.Clean("/"+strings.ReplaceAll(p, "\\", "/")), "/")
}

// Hit is one search result from one signal.
type Hit struct {
	ID      string
	Score   float32
	Payload Payload
}

// SignalHits holds the ranked hits of each signal for one collection.
type SignalHits struct {
	Text   []Hit
	Code   []Hit
	Sparse []Hit
}

// HybridQuery is one search against one collection. Nil or empty vectors
// skip their signal.
type HybridQuery struct {
	Text   []float32
	Code   []float32
	Sparse embedding.SparseVector
	Filter Filter
	Limit  int
}
