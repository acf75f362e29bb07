package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const upsertBatchSize = 100

// Config holds connection settings for Qdrant.
type Config struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool
	// Timeout bounds each individual call. Defaults to 5s.
	Timeout time.Duration
	// SkipHealthCheck skips the startup health check with retry.
	SkipHealthCheck bool
}

// QdrantStorage wraps the Qdrant client with connection management and health checks.
type QdrantStorage struct {
	client  *qdrant.Client
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.RWMutex
	specs map[string]CollectionSpec
}

// NewQdrantStorage creates a new Qdrant client with health validation.
// It performs health check with retry on startup and fails fast if Qdrant is unreachable.
func NewQdrantStorage(cfg Config, logger *slog.Logger) (*QdrantStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	s := &QdrantStorage{
		client:  client,
		timeout: cfg.Timeout,
		logger:  logger,
		specs:   make(map[string]CollectionSpec),
	}

	if !cfg.SkipHealthCheck {
		if err := s.healthCheckWithRetry(context.Background()); err != nil {
			client.Close()
			return nil, fmt.Errorf("%w: %v", ErrQdrantUnreachable, err)
		}
	}
	return s, nil
}

// healthCheckWithRetry performs health check with exponential backoff.
// Initial interval 500ms, max interval 10s, max elapsed 30s.
func (s *QdrantStorage) healthCheckWithRetry(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	return backoff.Retry(func() error { return s.Health(ctx) }, backoff.WithContext(b, ctx))
}

// Health performs a single health check against Qdrant.
func (s *QdrantStorage) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.client.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result == nil || result.Title == "" {
		return fmt.Errorf("health check returned invalid response")
	}
	return nil
}

// Close closes the Qdrant client connection.
func (s *QdrantStorage) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// EnsureCollection creates the collection if it does not exist: cosine
// dense vectors "text" and "code", an IDF-weighted sparse vector
// "lexical" when hybrid, and keyword indexes on every filter field.
// An existing collection must carry the same dense dimensions.
// Idempotent and safe to call concurrently for the same spec.
func (s *QdrantStorage) EnsureCollection(ctx context.Context, spec CollectionSpec) error {
	if spec.Name == "" || spec.TextDimension <= 0 || spec.CodeDimension <= 0 {
		return fmt.Errorf("invalid collection spec %+v", spec)
	}

	s.mu.RLock()
	known, ok := s.specs[spec.Name]
	s.mu.RUnlock()
	if ok && known == spec {
		return nil
	}

	exists, err := s.CollectionExists(ctx, spec.Name)
	if err != nil {
		return err
	}
	if exists {
		if err := s.checkDimensions(ctx, spec); err != nil {
			return err
		}
	} else if err := s.createCollection(ctx, spec); err != nil {
		return err
	}

	if err := s.createPayloadIndexes(ctx, spec.Name); err != nil {
		return fmt.Errorf("failed to create payload indexes: %w", err)
	}

	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
	return nil
}

func (s *QdrantStorage) createCollection(ctx context.Context, spec CollectionSpec) error {
	req := &qdrant.CreateCollection{
		CollectionName: spec.Name,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			VectorText: {Size: uint64(spec.TextDimension), Distance: qdrant.Distance_Cosine},
			VectorCode: {Size: uint64(spec.CodeDimension), Distance: qdrant.Distance_Cosine},
		}),
	}
	if spec.Hybrid {
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			VectorLexical: {Modifier: qdrant.Modifier_Idf.Enum()},
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.CreateCollection(callCtx, req); err != nil {
		// Another writer won the race.
		if isAlreadyExists(err) {
			return s.checkDimensions(ctx, spec)
		}
		return fmt.Errorf("failed to create collection %s: %w", spec.Name, err)
	}
	s.logger.Info("created collection",
		"collection", spec.Name,
		"text_dim", spec.TextDimension,
		"code_dim", spec.CodeDimension,
		"hybrid", spec.Hybrid)
	return nil
}

func (s *QdrantStorage) checkDimensions(ctx context.Context, spec CollectionSpec) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	info, err := s.client.GetCollectionInfo(callCtx, spec.Name)
	if err != nil {
		return fmt.Errorf("failed to get collection %s: %w", spec.Name, mapNotFound(err))
	}
	params := info.GetConfig().GetParams().GetVectorsConfig().GetParamsMap().GetMap()
	want := map[string]int{VectorText: spec.TextDimension, VectorCode: spec.CodeDimension}
	for name, dim := range want {
		p, ok := params[name]
		if !ok {
			return fmt.Errorf("%w: collection %s has no %q vector", ErrDimensionMismatch, spec.Name, name)
		}
		if int(p.GetSize()) != dim {
			return fmt.Errorf("%w: collection %s vector %q has %d dimensions, expected %d",
				ErrDimensionMismatch, spec.Name, name, p.GetSize(), dim)
		}
	}
	return nil
}

// createPayloadIndexes creates indexes for all filterable fields.
// Without these indexes, filtering becomes 10-100x slower.
func (s *QdrantStorage) createPayloadIndexes(ctx context.Context, collection string) error {
	for _, field := range indexedFields {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		_, err := s.client.CreateFieldIndex(callCtx, &qdrant.CreateFieldIndexCollection{
			CollectionName: collection,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
			Wait:           qdrant.PtrOf(true),
		})
		cancel()
		if err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("failed to create index for field %s: %w", field, err)
		}
	}
	return nil
}

// CollectionExists reports whether the collection exists.
func (s *QdrantStorage) CollectionExists(ctx context.Context, collection string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.client.CollectionExists(ctx, collection)
	if err != nil {
		return false, fmt.Errorf("failed to check collection %s: %w", collection, err)
	}
	return ok, nil
}

// DeleteCollection drops the collection and all its points.
func (s *QdrantStorage) DeleteCollection(ctx context.Context, collection string) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.client.DeleteCollection(callCtx, collection); err != nil {
		return fmt.Errorf("failed to delete collection %s: %w", collection, mapNotFound(err))
	}
	s.mu.Lock()
	delete(s.specs, collection)
	s.mu.Unlock()
	return nil
}

// UpsertChunks stores points in batches of 100. Each batch is retried with
// backoff, which is safe because point ids are content-derived.
func (s *QdrantStorage) UpsertChunks(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.validate(collection, points); err != nil {
		return err
	}

	for i := 0; i < len(points); i += upsertBatchSize {
		end := min(i+upsertBatchSize, len(points))
		batch := make([]*qdrant.PointStruct, 0, end-i)
		for _, p := range points[i:end] {
			batch = append(batch, toPointStruct(p))
		}
		if err := s.upsertWithRetry(ctx, collection, batch); err != nil {
			return fmt.Errorf("failed to upsert batch %d-%d: %w", i, end, err)
		}
	}
	return nil
}

func (s *QdrantStorage) validate(collection string, points []Point) error {
	s.mu.RLock()
	spec, ok := s.specs[collection]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	for i, p := range points {
		want := spec.TextDimension
		if p.Vector == VectorCode {
			want = spec.CodeDimension
		}
		if len(p.Dense) != want {
			return fmt.Errorf("%w: point %d (%s) has %d dimensions, expected %d",
				ErrDimensionMismatch, i, p.Vector, len(p.Dense), want)
		}
	}
	return nil
}

func toPointStruct(p Point) *qdrant.PointStruct {
	vectors := map[string]*qdrant.Vector{
		p.Vector: qdrant.NewVectorDense(p.Dense),
	}
	if !p.Sparse.Empty() {
		vectors[VectorLexical] = qdrant.NewVectorSparse(p.Sparse.Indices, p.Sparse.Values)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDUUID(p.ID),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(p.Payload.toMap()),
	}
}

// upsertWithRetry performs upsert operation with exponential backoff retry.
func (s *QdrantStorage) upsertWithRetry(ctx context.Context, collection string, points []*qdrant.PointStruct) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.Upsert(callCtx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         points,
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isRetryable(err) {
			return backoff.Permanent(mapNotFound(err))
		}
		s.logger.Warn("upsert failed, retrying", "collection", collection, "points", len(points), "error", err)
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

// DeleteByPath removes every point of a dataset whose ledger key is path.
func (s *QdrantStorage) DeleteByPath(ctx context.Context, collection, datasetID, path string) error {
	return s.deleteWhere(ctx, collection, Filter{DatasetIDs: []string{datasetID}, Path: path}.build())
}

// DeleteStale removes the points of path whose ids are not in keep. It is
// called after re-indexing a file so that chunks that no longer exist go away
// while unchanged ones stay in place.
func (s *QdrantStorage) DeleteStale(ctx context.Context, collection, datasetID, path string, keep []string) error {
	filter := Filter{DatasetIDs: []string{datasetID}, Path: path}.build()
	if len(keep) > 0 {
		ids := make([]*qdrant.PointId, len(keep))
		for i, id := range keep {
			ids[i] = qdrant.NewIDUUID(id)
		}
		filter.MustNot = []*qdrant.Condition{qdrant.NewHasID(ids...)}
	}
	return s.deleteWhere(ctx, collection, filter)
}

func (s *QdrantStorage) deleteWhere(ctx context.Context, collection string, filter *qdrant.Filter) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		_, err := s.client.Delete(callCtx, &qdrant.DeletePoints{
			CollectionName: collection,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		if err != nil && (ctx.Err() != nil || !isRetryable(err)) {
			return backoff.Permanent(mapNotFound(err))
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return fmt.Errorf("failed to delete points in %s: %w", collection, err)
	}
	return nil
}

// Count returns the exact number of points matching filter.
func (s *QdrantStorage) Count(ctx context.Context, collection string, filter Filter) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: collection,
		Filter:         filter.build(),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count points in %s: %w", collection, mapNotFound(err))
	}
	return n, nil
}

// HybridSearch runs one QueryBatch round trip with a sub-query per signal:
// text dense, code dense and, when present, sparse. All sub-queries share
// the same pre-filter. Signals with an empty query vector are skipped.
func (s *QdrantStorage) HybridSearch(ctx context.Context, collection string, q HybridQuery) (SignalHits, error) {
	if q.Limit <= 0 {
		q.Limit = 10
	}
	filter := q.Filter.build()

	type signal struct {
		using string
		query *qdrant.Query
		out   *[]Hit
	}
	var hits SignalHits
	var signals []signal
	if len(q.Text) > 0 {
		signals = append(signals, signal{VectorText, qdrant.NewQueryDense(q.Text), &hits.Text})
	}
	if len(q.Code) > 0 {
		signals = append(signals, signal{VectorCode, qdrant.NewQueryDense(q.Code), &hits.Code})
	}
	if !q.Sparse.Empty() && s.hybrid(collection) {
		signals = append(signals, signal{VectorLexical, qdrant.NewQuerySparse(q.Sparse.Indices, q.Sparse.Values), &hits.Sparse})
	}
	if len(signals) == 0 {
		return hits, nil
	}

	queries := make([]*qdrant.QueryPoints, len(signals))
	for i, sig := range signals {
		queries[i] = &qdrant.QueryPoints{
			CollectionName: collection,
			Query:          sig.query,
			Using:          qdrant.PtrOf(sig.using),
			Filter:         filter,
			Limit:          qdrant.PtrOf(uint64(q.Limit)),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(false),
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	results, err := s.client.QueryBatch(callCtx, &qdrant.QueryBatchPoints{
		CollectionName: collection,
		QueryPoints:    queries,
	})
	if err != nil {
		return SignalHits{}, fmt.Errorf("failed to search %s: %w", collection, mapNotFound(err))
	}
	if len(results) != len(signals) {
		return SignalHits{}, fmt.Errorf("search %s: got %d result lists for %d queries", collection, len(results), len(signals))
	}

	for i, res := range results {
		points := res.GetResult()
		list := make([]Hit, 0, len(points))
		for _, p := range points {
			list = append(list, Hit{
				ID:      p.GetId().GetUuid(),
				Score:   p.GetScore(),
				Payload: payloadFrom(p.GetPayload()),
			})
		}
		*signals[i].out = list
	}
	return hits, nil
}

// hybrid reports whether the collection carries sparse vectors. Collections
// this process never ensured are assumed hybrid; the server rejects the
// sparse sub-query otherwise.
func (s *QdrantStorage) hybrid(collection string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[collection]
	return !ok || spec.Hybrid
}

func isAlreadyExists(err error) bool {
	if status.Code(err) == codes.AlreadyExists {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted, codes.Internal:
		return true
	}
	return false
}

func mapNotFound(err error) error {
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: %v", ErrCollectionNotFound, err)
	}
	return err
}
