// Package indexer runs ingestion jobs: a source feeds fetched items through
// bounded chunk, embed and store stages while progress is recorded in the
// job ledger.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/embedding"
	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
	"github.com/bull/context-core/internal/storage"
)

// Ledger is the part of ledger.Store the orchestrator uses.
type Ledger interface {
	JobWriter
	CreateJob(ctx context.Context, j ledger.Job) (*ledger.Job, error)
	StartJob(ctx context.Context, id string) (*ledger.Job, error)
	FinishJob(ctx context.Context, id string, status ledger.JobStatus, errText string) (*ledger.Job, error)
	RequestCancel(ctx context.Context, id string) (*ledger.Job, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
	Files(ctx context.Context, tenantID, datasetID string) (map[string]ledger.FileRecord, error)
	UpsertFile(ctx context.Context, r ledger.FileRecord) error
	DeleteFile(ctx context.Context, tenantID, datasetID, path string) error
	AddPointCount(ctx context.Context, datasetID string, delta int64) error
	SetPointCount(ctx context.Context, datasetID string, count int64) error
	SetDatasetSourceKind(ctx context.Context, datasetID, kind string) error
}

// Store is the part of storage.QdrantStorage the orchestrator uses.
type Store interface {
	EnsureCollection(ctx context.Context, spec storage.CollectionSpec) error
	UpsertChunks(ctx context.Context, collection string, points []storage.Point) error
	DeleteByPath(ctx context.Context, collection, datasetID, path string) error
	DeleteStale(ctx context.Context, collection, datasetID, path string, keep []string) error
	Count(ctx context.Context, collection string, filter storage.Filter) (uint64, error)
}

// Embedder embeds chunks. Failed chunks are returned, not errors.
type Embedder interface {
	EmbedChunks(ctx context.Context, chunks []chunk.Chunk) ([]embedding.Embedded, []embedding.Failed, error)
}

// Chunker splits a source into chunks.
type Chunker interface {
	Chunk(src chunk.Source) ([]chunk.Chunk, error)
}

// Resolver maps a request onto a dataset and its collection.
type Resolver interface {
	Resolve(ctx context.Context, req scope.Request) (scope.Identity, error)
	Layout() scope.Layout
}

// Request is an ingestion request.
type Request struct {
	Kind     SourceKind
	Tenant   string
	Dataset  string
	Scope    string
	Location string // directory, repository or start URL
	Force    bool   // bypass change detection

	// PathPrefix restricts a repository ingestion to a subdirectory.
	PathPrefix string
	// LegacyCollection names a pre-existing collection to write into.
	LegacyCollection string
}

// Options tunes the stages of a run.
type Options struct {
	ChunkWorkers     int
	EmbedWorkers     int
	StoreWorkers     int
	QueueSize        int
	CancelPoll       time.Duration
	ProgressInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkWorkers <= 0 {
		o.ChunkWorkers = runtime.NumCPU()
	}
	if o.EmbedWorkers <= 0 {
		o.EmbedWorkers = 2
	}
	if o.StoreWorkers <= 0 {
		o.StoreWorkers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.CancelPoll <= 0 {
		o.CancelPoll = time.Second
	}
	if o.ProgressInterval <= 0 {
		o.ProgressInterval = 250 * time.Millisecond
	}
	return o
}

// Result contains statistics about a finished run.
type Result struct {
	JobID          string
	Status         ledger.JobStatus
	FilesIndexed   int
	FilesUnchanged int
	FilesDeleted   int
	FilesSkipped   int // content errors: binary, empty or unparseable
	FilesFailed    int
	ChunksStored   int
	ChunksFailed   int
	Failures       []Failure
	Duration       time.Duration
}

// prepared is a submitted job waiting for Run.
type prepared struct {
	req      Request
	identity scope.Identity
	source   Source
}

// Orchestrator accepts ingestion requests and runs them as jobs.
type Orchestrator struct {
	ledger   Ledger
	resolver Resolver
	sources  SourceFactory
	chunker  Chunker
	embedder Embedder
	store    Store
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]prepared
	running map[string]*run

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewOrchestrator creates an orchestrator with the given components.
func NewOrchestrator(
	l Ledger,
	resolver Resolver,
	sources SourceFactory,
	chunker Chunker,
	embedder Embedder,
	store Store,
	opts Options,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		ledger:   l,
		resolver: resolver,
		sources:  sources,
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
		pending:  make(map[string]prepared),
		running:  make(map[string]*run),
		base:     base,
		stop:     stop,
	}
}

// Submit validates req, resolves its dataset and records a queued job.
// Configuration errors (bad scope, bad location, unreachable ledger) are
// returned synchronously and no job is created.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*ledger.Job, error) {
	kind, err := ParseSourceKind(string(req.Kind))
	if err != nil {
		return nil, err
	}
	req.Kind = kind
	if req.Location == "" {
		return nil, errs.Config("source location is required", nil)
	}

	source, err := o.sources.NewSource(ctx, req)
	if err != nil {
		return nil, err
	}
	identity, err := o.resolver.Resolve(ctx, scope.Request{
		Tenant:           req.Tenant,
		Dataset:          req.Dataset,
		Scope:            req.Scope,
		SourceKind:       string(kind),
		LegacyCollection: req.LegacyCollection,
	})
	if err != nil {
		return nil, err
	}

	job, err := o.ledger.CreateJob(ctx, ledger.Job{
		ID:        uuid.NewString(),
		Kind:      string(kind),
		TenantID:  identity.TenantID,
		DatasetID: identity.DatasetID,
		Source:    req.Location,
	})
	if err != nil {
		return nil, errs.Config("recording job", err)
	}

	o.mu.Lock()
	o.pending[job.ID] = prepared{req: req, identity: identity, source: source}
	o.mu.Unlock()

	o.logger.Info("Accepted ingestion",
		"job_id", job.ID,
		"kind", kind,
		"dataset_id", identity.DatasetID,
		"collection", identity.CollectionName,
	)
	return job, nil
}

// Start submits req and runs the job in the background. The job outlives
// ctx; Close cancels it.
func (o *Orchestrator) Start(ctx context.Context, req Request) (*ledger.Job, error) {
	job, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Run(o.base, job.ID); err != nil {
			o.logger.Error("Ingestion failed", "job_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// Cancel requests cancellation of a job. A queued job is cancelled at
// once; a running one stops producing new items and finishes what is
// already in flight. The flag is durable, so jobs run by other processes
// see it at their next poll.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*ledger.Job, error) {
	job, err := o.ledger.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	r := o.running[jobID]
	o.mu.Unlock()
	if r != nil {
		r.requestCancel()
	}
	return job, nil
}

// Close cancels background jobs and waits for them to finish.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// Run executes a submitted job and records its terminal status. The
// returned error is non-nil only when the job failed.
func (o *Orchestrator) Run(ctx context.Context, jobID string) (*Result, error) {
	o.mu.Lock()
	prep, ok := o.pending[jobID]
	delete(o.pending, jobID)
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("job %s was not submitted to this orchestrator: %w", jobID, ledger.ErrNotFound)
	}

	start := o.now()
	if _, err := o.ledger.StartJob(ctx, jobID); err != nil {
		if errors.Is(err, ledger.ErrJobFinalized) {
			o.logger.Info("Job cancelled before it started", "job_id", jobID)
			return &Result{JobID: jobID, Status: ledger.JobCancelled}, nil
		}
		return nil, fmt.Errorf("start job: %w", err)
	}

	r := newRun(jobID, prep, o.ledger, o.opts, o.logger)
	o.mu.Lock()
	o.running[jobID] = r
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, jobID)
		o.mu.Unlock()
	}()

	runErr := o.execute(ctx, r)
	res := r.result()
	res.Duration = o.now().Sub(start)

	status, errText := ledger.JobCompleted, ""
	switch {
	case r.cancelled.Load() || ctx.Err() != nil:
		status = ledger.JobCancelled
		runErr = nil
	case runErr != nil:
		status, errText = ledger.JobFailed, runErr.Error()
	case res.FilesIndexed == 0 && r.storeErrors.Load() > 0:
		status = ledger.JobFailed
		runErr = fmt.Errorf("storage rejected every item: %w", r.lastStoreError())
		errText = runErr.Error()
	}
	res.Status = status

	// The terminal write lands even when ctx is being torn down.
	finishCtx := context.WithoutCancel(ctx)
	r.tracker.Flush(finishCtx)
	if status != ledger.JobFailed {
		o.reconcilePoints(finishCtx, r.identity)
	}
	if _, err := o.ledger.FinishJob(finishCtx, jobID, status, errText); err != nil {
		o.logger.Warn("failed to finish job", "job_id", jobID, "status", status, "error", err)
	}

	o.logger.Info("Ingestion complete",
		"job_id", jobID,
		"status", status,
		"indexed", res.FilesIndexed,
		"unchanged", res.FilesUnchanged,
		"deleted", res.FilesDeleted,
		"skipped", res.FilesSkipped,
		"failed", res.FilesFailed,
		"chunks", res.ChunksStored,
		"duration", res.Duration,
	)
	if runErr != nil {
		return res, runErr
	}
	return res, nil
}

// execute runs the stages. It returns only pipeline-level errors.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	id := r.identity
	layout := o.resolver.Layout()
	err := o.store.EnsureCollection(ctx, storage.CollectionSpec{
		Name:          id.CollectionName,
		TextDimension: layout.TextDimension,
		CodeDimension: layout.CodeDimension,
		Hybrid:        layout.Hybrid,
	})
	if err != nil {
		return fmt.Errorf("preparing collection %s: %w", id.CollectionName, err)
	}

	records, err := o.ledger.Files(ctx, id.TenantID, id.DatasetID)
	if err != nil {
		return fmt.Errorf("loading file records: %w", err)
	}
	r.records = records
	if err := o.ledger.SetDatasetSourceKind(ctx, id.DatasetID, string(r.req.Kind)); err != nil {
		o.logger.Warn("failed to record dataset source kind", "dataset_id", id.DatasetID, "error", err)
	}

	items := make(chan Item, o.opts.QueueSize)
	chunked := make(chan stageItem, o.opts.QueueSize)
	embedded := make(chan stageItem, o.opts.QueueSize)
	r.sink = newSink(id.TenantID, id.DatasetID, records, r.req.Force, items, r.tracker)

	// A cancel stops production only. Downstream stages keep reading until
	// their input is closed, so everything already produced is stored.
	produceCtx, cancelProduce := context.WithCancel(ctx)
	defer cancelProduce()
	r.setCancel(cancelProduce)

	watchDone := make(chan struct{})
	defer close(watchDone)
	go o.watchCancel(produceCtx, r, watchDone)

	var produceErr error
	go func() {
		defer close(items)
		produceErr = r.source.Produce(produceCtx, r.sink)
		r.tracker.ProductionDone(ctx)
	}()

	chunkers := o.pool(o.opts.ChunkWorkers, func() {
		for it := range items {
			chunked <- o.chunkItem(ctx, r, it)
		}
	})
	go func() { _ = chunkers.Wait(); close(chunked) }()

	embedders := o.pool(o.opts.EmbedWorkers, func() {
		for it := range chunked {
			embedded <- o.embedItem(ctx, r, it)
		}
	})
	go func() { _ = embedders.Wait(); close(embedded) }()

	storers := o.pool(o.opts.StoreWorkers, func() {
		for it := range embedded {
			o.storeItem(ctx, r, it)
		}
	})
	_ = storers.Wait()

	// items is closed only after Produce returned, and every stage has
	// drained, so produceErr is safe to read.
	if produceErr != nil && !(errs.IsCancellation(produceErr) && (r.cancelled.Load() || ctx.Err() != nil)) {
		return fmt.Errorf("producing items: %w", produceErr)
	}
	if r.cancelled.Load() || ctx.Err() != nil {
		return nil
	}
	o.removeDeleted(ctx, r)
	return nil
}

func (o *Orchestrator) pool(n int, work func()) *errgroup.Group {
	g := new(errgroup.Group)
	for range max(1, n) {
		g.Go(func() error {
			work()
			return nil
		})
	}
	return g
}

// watchCancel polls the durable cancel flag so a cancel issued by another
// process reaches this run.
func (o *Orchestrator) watchCancel(ctx context.Context, r *run, done <-chan struct{}) {
	ticker := time.NewTicker(o.opts.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := o.ledger.CancelRequested(ctx, r.jobID)
			if err != nil {
				o.logger.Debug("cancel poll failed", "job_id", r.jobID, "error", err)
				continue
			}
			if requested {
				o.logger.Info("Cancel requested", "job_id", r.jobID)
				r.requestCancel()
				return
			}
		}
	}
}

// stageItem carries one item through the chunk, embed and store stages.
type stageItem struct {
	item     Item
	chunks   []chunk.Chunk
	embedded []embedding.Embedded
	failed   []embedding.Failed
	skip     error // content error: record and move on
	err      error // whole-item failure
}

func (o *Orchestrator) chunkItem(ctx context.Context, r *run, it Item) stageItem {
	out := stageItem{item: it}
	defer r.tracker.Update(ctx, it.File.Path, func(c *Counters) { c.Chunked++ })
	if ctx.Err() != nil {
		out.err = ctx.Err()
		return out
	}

	chunks, err := o.chunker.Chunk(it.Source)
	switch {
	case errs.IsKind(err, errs.KindContent):
		out.skip = err
	case err != nil:
		out.err = err
	case len(chunks) == 0:
		out.skip = errs.Content("no chunks in "+it.File.Path, nil)
	default:
		out.chunks = chunks
	}
	// The content is not needed past this point.
	out.item.Source.Content = nil
	return out
}

func (o *Orchestrator) embedItem(ctx context.Context, r *run, it stageItem) stageItem {
	defer r.tracker.Update(ctx, "", func(c *Counters) { c.Embedded++ })
	if it.skip != nil || it.err != nil {
		return it
	}
	if ctx.Err() != nil {
		it.err = ctx.Err()
		return it
	}

	done, failed, err := o.embedder.EmbedChunks(ctx, it.chunks)
	if err != nil {
		it.err = fmt.Errorf("embedding %s: %w", it.item.File.Path, err)
		return it
	}
	it.embedded, it.failed = done, failed
	return it
}

func (o *Orchestrator) storeItem(ctx context.Context, r *run, it stageItem) {
	f := it.item.File
	defer r.tracker.Update(ctx, f.Path, func(c *Counters) { c.Stored++ })
	id := r.identity
	prior, hadPrior := r.records[f.Path]

	switch {
	case it.err != nil:
		r.failItem(ctx, Failure{Path: f.Path, Reason: it.err.Error()}, len(it.chunks))
		return

	case it.skip != nil:
		o.logger.Debug("skipping item", "path", f.Path, "reason", it.skip)
		if hadPrior && prior.ChunkCount > 0 {
			if err := o.store.DeleteByPath(ctx, id.CollectionName, id.DatasetID, f.Path); err != nil {
				r.failItem(ctx, Failure{Path: f.Path, Reason: err.Error()}, 0)
				return
			}
			o.addPoints(ctx, id.DatasetID, -prior.ChunkCount)
		}
		o.upsertFile(ctx, r, f, f.Hash, 0, "")
		r.skipped(ctx)
		return
	}

	indexedAt := o.now().UTC()
	points := make([]storage.Point, 0, len(it.embedded))
	for _, e := range it.embedded {
		points = append(points, storage.NewPoint(e, id.TenantID, id.DatasetID, indexedAt))
	}
	if len(points) > 0 {
		if err := o.store.UpsertChunks(ctx, id.CollectionName, points); err != nil {
			r.storeFailed(err)
			r.failItem(ctx, Failure{Path: f.Path, Reason: err.Error()}, len(it.chunks))
			return
		}
	}

	if hadPrior && prior.ChunkCount > 0 {
		// Keep every current id, including chunks whose embedding failed:
		// an identical chunk from the previous run is still valid.
		keep := make([]string, len(it.chunks))
		for i, c := range it.chunks {
			keep[i] = c.ID
		}
		if err := o.store.DeleteStale(ctx, id.CollectionName, id.DatasetID, f.Path, keep); err != nil {
			o.logger.Warn("failed to delete stale chunks", "path", f.Path, "error", err)
		}
	}

	// A partially embedded file is recorded without a hash, so the next
	// sync sees it as modified and retries it.
	hash := f.Hash
	if len(it.failed) > 0 {
		hash = ""
		for _, fc := range it.failed {
			r.failChunk(ctx, Failure{Path: f.Path, ChunkID: fc.Chunk.ID, Reason: fc.Err.Error()})
		}
	}
	o.upsertFile(ctx, r, f, hash, len(points), it.chunks[0].Language)
	o.addPoints(ctx, id.DatasetID, len(points)-prior.ChunkCount)
	r.stored(len(points), len(it.failed))
}

func (o *Orchestrator) upsertFile(ctx context.Context, r *run, f changes.File, hash string, chunks int, language string) {
	err := o.ledger.UpsertFile(ctx, ledger.FileRecord{
		TenantID:    r.identity.TenantID,
		DatasetID:   r.identity.DatasetID,
		Path:        f.Path,
		ContentHash: hash,
		Size:        f.Size,
		ChunkCount:  chunks,
		Language:    language,
		IndexedAt:   o.now().UTC(),
	})
	if err != nil {
		o.logger.Warn("failed to record indexed file", "path", f.Path, "error", err)
	}
}

// addPoints adjusts the mapping's point count. A missing mapping means the
// scope was never resolved; the vector write has already happened, so it
// is only logged.
func (o *Orchestrator) addPoints(ctx context.Context, datasetID string, delta int) {
	if delta == 0 {
		return
	}
	err := o.ledger.AddPointCount(ctx, datasetID, int64(delta))
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		o.logger.Warn("point count not updated",
			"dataset_id", datasetID,
			"delta", delta,
			"error", errs.Consistency("collection mapping missing", err))
	case err != nil:
		o.logger.Warn("failed to update point count", "dataset_id", datasetID, "error", err)
	}
}

// reconcilePoints replaces the incrementally maintained point count with
// the number of points the collection actually holds for the dataset.
func (o *Orchestrator) reconcilePoints(ctx context.Context, id scope.Identity) {
	n, err := o.store.Count(ctx, id.CollectionName, storage.Filter{DatasetIDs: []string{id.DatasetID}})
	if err != nil {
		o.logger.Warn("point count not reconciled", "collection", id.CollectionName, "error", err)
		return
	}
	if err := o.ledger.SetPointCount(ctx, id.DatasetID, int64(n)); err != nil {
		o.logger.Warn("point count not reconciled",
			"dataset_id", id.DatasetID,
			"error", errs.Consistency("collection mapping missing", err))
	}
}

// removeDeleted drops the chunks and records of files that no longer exist.
func (o *Orchestrator) removeDeleted(ctx context.Context, r *run) {
	deleted, _, _ := r.sink.snapshot()
	id := r.identity
	for _, f := range deleted {
		if ctx.Err() != nil {
			return
		}
		prior := r.records[f.Path]
		if err := o.store.DeleteByPath(ctx, id.CollectionName, id.DatasetID, f.Path); err != nil {
			r.failItem(ctx, Failure{Path: f.Path, Reason: "deleting chunks: " + err.Error()}, 0)
			continue
		}
		if err := o.ledger.DeleteFile(ctx, id.TenantID, id.DatasetID, f.Path); err != nil {
			o.logger.Warn("failed to delete file record", "path", f.Path, "error", err)
		}
		o.addPoints(ctx, id.DatasetID, -prior.ChunkCount)
		r.deleted()
		o.logger.Debug("removed deleted file", "path", f.Path, "chunks", prior.ChunkCount)
	}
}
