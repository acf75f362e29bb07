// Package embedding is the dual-route embedding gateway: code chunks go to
// one dense model, text chunks to another, and both optionally get a sparse
// lexical vector.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/errs"
)

// Embedded is a chunk with its vectors.
type Embedded struct {
	Chunk  chunk.Chunk
	Dense  []float32
	Sparse SparseVector
}

// Failed is a chunk whose embedding failed after retries.
type Failed struct {
	Chunk chunk.Chunk
	Err   error
}

// QueryVectors holds a query embedded once per route.
type QueryVectors struct {
	Text   []float32
	Code   []float32
	Sparse SparseVector
}

// Gateway routes chunks to the embedding model for their kind.
type Gateway struct {
	text   Dense
	code   Dense
	sparse *SparseEncoder
	cache  *lru.Cache[string, QueryVectors]
	logger *slog.Logger
}

// NewGateway creates a gateway. A nil sparse encoder disables lexical
// vectors. cacheSize <= 0 uses 1000 query entries.
func NewGateway(text, code Dense, sparse *SparseEncoder, cacheSize int, logger *slog.Logger) (*Gateway, error) {
	if text == nil || code == nil {
		return nil, fmt.Errorf("both text and code embedding routes are required")
	}
	if cacheSize <= 0 {
		cacheSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, QueryVectors](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating query cache: %w", err)
	}
	return &Gateway{text: text, code: code, sparse: sparse, cache: cache, logger: logger}, nil
}

// TextDimension is the dense size of the text route.
func (g *Gateway) TextDimension() int { return g.text.Dimension() }

// CodeDimension is the dense size of the code route.
func (g *Gateway) CodeDimension() int { return g.code.Dimension() }

// Hybrid reports whether sparse vectors are produced.
func (g *Gateway) Hybrid() bool { return g.sparse != nil }

func (g *Gateway) route(k chunk.Kind) Dense {
	if k == chunk.KindCode {
		return g.code
	}
	return g.text
}

// EmbedChunks embeds chunks grouped by kind. When a batch fails, its chunks
// are retried one at a time so a single bad unit fails alone. The returned
// error is non-nil only when ctx is done.
func (g *Gateway) EmbedChunks(ctx context.Context, chunks []chunk.Chunk) ([]Embedded, []Failed, error) {
	byKind := make(map[chunk.Kind][]chunk.Chunk, 2)
	for _, c := range chunks {
		byKind[c.Kind] = append(byKind[c.Kind], c)
	}

	var done []Embedded
	var failed []Failed
	for _, kind := range []chunk.Kind{chunk.KindCode, chunk.KindText} {
		group := byKind[kind]
		if len(group) == 0 {
			continue
		}
		dense := g.route(kind)

		vecs, err := dense.Embed(ctx, embedTexts(group))
		if err == nil {
			for i, c := range group {
				done = append(done, g.embedded(c, vecs[i]))
			}
			continue
		}
		if ctx.Err() != nil {
			return done, failed, ctx.Err()
		}

		g.logger.Warn("batch embedding failed, retrying per chunk",
			"model", dense.Model(),
			"chunks", len(group),
			"error", err)
		for _, c := range group {
			vec, err := dense.Embed(ctx, []string{c.EmbedText()})
			if err != nil {
				if ctx.Err() != nil {
					return done, failed, ctx.Err()
				}
				failed = append(failed, Failed{Chunk: c, Err: errs.Transient("embedding "+c.ID, err)})
				continue
			}
			done = append(done, g.embedded(c, vec[0]))
		}
	}
	return done, failed, nil
}

func (g *Gateway) embedded(c chunk.Chunk, vec []float32) Embedded {
	e := Embedded{Chunk: c, Dense: vec}
	if g.sparse != nil {
		e.Sparse = g.sparse.EncodeDocument(c.EmbedText())
	}
	return e
}

// EmbedQuery embeds text once per route. When both routes are the same
// Dense value the query is embedded once. Results are cached.
func (g *Gateway) EmbedQuery(ctx context.Context, text string) (QueryVectors, error) {
	key := g.cacheKey(text)
	if qv, ok := g.cache.Get(key); ok {
		return qv, nil
	}

	var qv QueryVectors
	vecs, err := g.text.Embed(ctx, []string{text})
	if err != nil {
		return QueryVectors{}, errs.Transient("embedding query", err)
	}
	qv.Text = vecs[0]

	if g.code == g.text {
		qv.Code = qv.Text
	} else {
		vecs, err = g.code.Embed(ctx, []string{text})
		if err != nil {
			return QueryVectors{}, errs.Transient("embedding query", err)
		}
		qv.Code = vecs[0]
	}
	if g.sparse != nil {
		qv.Sparse = g.sparse.EncodeQuery(text)
	}

	g.cache.Add(key, qv)
	return qv, nil
}

func (g *Gateway) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text + "\x00" + g.text.Model() + "\x00" + g.code.Model()))
	return hex.EncodeToString(sum[:])
}

func embedTexts(chunks []chunk.Chunk) []string {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.EmbedText()
	}
	return texts
}
