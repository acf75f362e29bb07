// Package search is the hybrid query engine: it expands a dataset selector,
// searches every selected collection with dense and sparse signals, fuses
// and merges the rankings and optionally reranks the head of the list.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bull/context-core/internal/embedding"
	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/rerank"
	"github.com/bull/context-core/internal/scope"
	"github.com/bull/context-core/internal/storage"
)

// ErrEmptyQuery is returned for a blank query text.
var ErrEmptyQuery = errors.New("query text is required")

// Catalog lists the datasets a tenant can see.
type Catalog interface {
	ListDatasets(ctx context.Context, tenantID string, includeGlobal bool) ([]ledger.Dataset, error)
}

// Collections maps datasets to collections.
type Collections interface {
	CollectionFor(ctx context.Context, datasetID string) (string, error)
}

// QueryEmbedder embeds query text once per route.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) (embedding.QueryVectors, error)
}

// Searcher runs one hybrid search against one collection.
type Searcher interface {
	HybridSearch(ctx context.Context, collection string, q storage.HybridQuery) (storage.SignalHits, error)
}

// Reranker scores documents against a query, one score per document in
// request order.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]rerank.Score, error)
}

// Options tunes the engine.
type Options struct {
	DefaultTopK      int
	DefaultThreshold float64
	Oversample       int // candidates requested per collection, as a multiple of topK
	RerankTopN       int
	RRFConstant      int
	MaxCollections   int
	Parallelism      int
	Aliases          map[string]Alias
}

// Filters are pre-filters applied inside every collection search.
type Filters struct {
	Repository string
	Languages  []string
	Kinds      []string
	PathPrefix string
}

// Request is one query.
type Request struct {
	Tenant    string // empty searches global datasets only
	Selector  string
	Query     string
	TopK      int
	Threshold float64 // 0 uses the default
	Filters   Filters
	// Rerank overrides whether the head of the list is reranked. Nil
	// reranks whenever a reranker is configured.
	Rerank *bool
}

// Provenance is the repository revision a result came from.
type Provenance struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch,omitempty"`
	Revision   string `json:"revision,omitempty"`
}

// Result is one ranked chunk.
type Result struct {
	ID         string      `json:"id"`
	Text       string      `json:"text"`
	Score      float64     `json:"score"`
	Locator    string      `json:"locator"`
	Tenant     string      `json:"tenant,omitempty"`
	Dataset    string      `json:"dataset"`
	Collection string      `json:"collection"`
	Path       string      `json:"path,omitempty"`
	HeaderPath string      `json:"header_path,omitempty"`
	StartLine  int         `json:"start_line,omitempty"`
	EndLine    int         `json:"end_line,omitempty"`
	Language   string      `json:"language,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Reranked   bool        `json:"reranked,omitempty"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Timing reports where a query spent its time.
type Timing struct {
	Embed  time.Duration
	Search time.Duration
	Rerank time.Duration
	Total  time.Duration
}

// Response is the answer to a Request.
type Response struct {
	RequestID   string
	Results     []Result
	Timing      Timing
	Collections []string
}

// Engine answers queries. It is safe for concurrent use.
type Engine struct {
	catalog     Catalog
	collections Collections
	embedder    QueryEmbedder
	searcher    Searcher
	reranker    Reranker
	opts        Options
	logger      *slog.Logger
	now         func() time.Time
}

// New creates an engine. A nil reranker disables reranking.
func New(catalog Catalog, collections Collections, embedder QueryEmbedder, searcher Searcher, reranker Reranker, opts Options, logger *slog.Logger) *Engine {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 10
	}
	if opts.Oversample <= 0 {
		opts.Oversample = 3
	}
	if opts.RerankTopN <= 0 {
		opts.RerankTopN = 30
	}
	if opts.RRFConstant <= 0 {
		opts.RRFConstant = DefaultRRFConstant
	}
	if opts.MaxCollections <= 0 {
		opts.MaxCollections = 32
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		catalog:     catalog,
		collections: collections,
		embedder:    embedder,
		searcher:    searcher,
		reranker:    reranker,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
	}
}

// target is one collection to search and the selected datasets in it.
type target struct {
	collection string
	datasetIDs []string
}

// Search runs req.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	start := e.now()
	resp := &Response{RequestID: uuid.NewString()}
	logger := e.logger.With("request_id", resp.RequestID)

	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = e.opts.DefaultTopK
	}
	threshold := req.Threshold
	if threshold <= 0 {
		threshold = e.opts.DefaultThreshold
	}
	doRerank := e.reranker != nil
	if req.Rerank != nil {
		doRerank = doRerank && *req.Rerank
	}

	targets, datasets, err := e.targets(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		resp.Collections = append(resp.Collections, t.collection)
	}

	embedStart := e.now()
	vecs, err := e.embedder.EmbedQuery(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	resp.Timing.Embed = e.now().Sub(embedStart)

	limit := topK * e.opts.Oversample
	if doRerank {
		limit = max(limit, e.opts.RerankTopN)
	}

	searchStart := e.now()
	candidates, err := e.fanOut(ctx, targets, storage.HybridQuery{
		Text:   vecs.Text,
		Code:   vecs.Code,
		Sparse: vecs.Sparse,
		Limit:  limit,
		Filter: storage.Filter{
			Repository: req.Filters.Repository,
			Languages:  req.Filters.Languages,
			Kinds:      req.Filters.Kinds,
			PathPrefix: req.Filters.PathPrefix,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	resp.Timing.Search = e.now().Sub(searchStart)

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = toResult(c, datasets)
	}

	if doRerank && len(results) > 0 {
		rerankStart := e.now()
		results = e.rerank(ctx, req.Query, results, max(e.opts.RerankTopN, topK), logger)
		resp.Timing.Rerank = e.now().Sub(rerankStart)
	}

	kept := results[:0]
	for _, r := range results {
		if r.Score >= threshold {
			kept = append(kept, r)
		}
	}
	if len(kept) > topK {
		kept = kept[:topK]
	}
	resp.Results = kept
	resp.Timing.Total = e.now().Sub(start)

	logger.Info("Query complete",
		"collections", len(targets),
		"candidates", len(candidates),
		"results", len(kept),
		"reranked", doRerank,
		"duration", resp.Timing.Total,
	)
	return resp, nil
}

// targets expands the selector and groups the datasets by collection.
func (e *Engine) targets(ctx context.Context, req Request) ([]target, map[string]ledger.Dataset, error) {
	tenantID := ""
	if strings.TrimSpace(req.Tenant) != "" {
		tenantID = scope.TenantID(req.Tenant)
	}
	known, err := e.catalog.ListDatasets(ctx, tenantID, true)
	if err != nil {
		return nil, nil, errs.Config("listing datasets", err)
	}
	selected, err := Select(req.Selector, known, e.opts.Aliases)
	if err != nil {
		return nil, nil, err
	}

	datasets := make(map[string]ledger.Dataset, len(selected))
	index := make(map[string]int)
	var targets []target
	for _, d := range selected {
		collection, err := e.collections.CollectionFor(ctx, d.ID)
		if err != nil {
			return nil, nil, err
		}
		datasets[d.ID] = d
		i, ok := index[collection]
		if !ok {
			i = len(targets)
			index[collection] = i
			targets = append(targets, target{collection: collection})
		}
		targets[i].datasetIDs = append(targets[i].datasetIDs, d.ID)
	}
	if len(targets) > e.opts.MaxCollections {
		return nil, nil, fmt.Errorf("selector %q spans %d collections, more than the limit of %d",
			req.Selector, len(targets), e.opts.MaxCollections)
	}
	return targets, datasets, nil
}

// fanOut searches every target in parallel, fuses each collection's
// signals and merges everything into one ranking. Collections that do not
// exist yet are skipped. Other failures are skipped too unless every
// collection failed.
func (e *Engine) fanOut(ctx context.Context, targets []target, q storage.HybridQuery, logger *slog.Logger) ([]Candidate, error) {
	var mu sync.Mutex
	var merged []Candidate
	var failures []error

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Parallelism)
	for _, t := range targets {
		g.Go(func() error {
			tq := q
			tq.Filter.DatasetIDs = t.datasetIDs
			hits, err := e.searcher.HybridSearch(gctx, t.collection, tq)
			if errors.Is(err, storage.ErrCollectionNotFound) {
				logger.Debug("collection not created yet", "collection", t.collection)
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("collection search failed", "collection", t.collection, "error", err)
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			fused := Fuse(hits, t.collection, e.opts.RRFConstant, !q.Sparse.Empty())
			mu.Lock()
			merged = append(merged, fused...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(failures) > 0 && len(failures) == len(targets) {
		return nil, fmt.Errorf("searching %d collection(s): %w", len(targets), errors.Join(failures...))
	}

	// Fused scores are already rank-normalized, so they compare directly.
	sortCandidates(merged)
	return merged, nil
}

// rerank replaces the scores of the first n results with cross-encoder
// relevance and reorders them stably. Only the reranked head is returned.
// When the reranker fails the fused order is kept.
func (e *Engine) rerank(ctx context.Context, query string, results []Result, n int, logger *slog.Logger) []Result {
	head := results[:min(n, len(results))]
	docs := make([]string, len(head))
	for i, r := range head {
		docs[i] = r.Text
	}
	scores, err := e.reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(head) {
		logger.Warn("rerank failed, keeping fused order", "error", err)
		return results
	}

	out := make([]Result, len(head))
	copy(out, head)
	for _, s := range scores {
		out[s.Index].Score = s.Score
		out[s.Index].Reranked = true
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func toResult(c Candidate, datasets map[string]ledger.Dataset) Result {
	p := c.Hit.Payload
	d := datasets[p.DatasetID]
	locator := p.URL
	if locator == "" {
		locator = p.Path
	}
	r := Result{
		ID:         c.Hit.ID,
		Text:       p.Content,
		Score:      c.Score,
		Locator:    locator,
		Tenant:     d.TenantName,
		Dataset:    d.Name,
		Collection: c.Collection,
		Path:       p.RelPath,
		HeaderPath: p.HeaderPath,
		StartLine:  p.StartLine,
		EndLine:    p.EndLine,
		Language:   p.Language,
		Kind:       p.Kind,
	}
	if p.Repository != "" {
		r.Provenance = &Provenance{Repository: p.Repository, Branch: p.Branch, Revision: p.Revision}
	}
	return r
}
