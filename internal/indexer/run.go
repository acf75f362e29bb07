package indexer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
)

// run is the state of one executing job.
type run struct {
	jobID    string
	req      Request
	identity scope.Identity
	source   Source
	records  map[string]ledger.FileRecord
	tracker  *Tracker
	sink     *Sink

	cancelled   atomic.Bool
	storeErrors atomic.Int64

	mu           sync.Mutex
	cancel       context.CancelFunc
	lastStoreErr error
	filesIndexed int
	filesSkipped int
	filesDeleted int
	chunksStored int
	chunksFailed int
}

func newRun(jobID string, p prepared, w JobWriter, opts Options, logger *slog.Logger) *run {
	return &run{
		jobID:    jobID,
		req:      p.req,
		identity: p.identity,
		source:   p.source,
		tracker:  NewTracker(w, jobID, opts.ProgressInterval, logger.With("job_id", jobID)),
	}
}

// setCancel installs the function that stops production. A cancel that
// arrived earlier takes effect immediately.
func (r *run) setCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.cancelled.Load() {
		cancel()
	}
}

func (r *run) requestCancel() {
	r.cancelled.Store(true)
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// failItem records a whole-item failure. chunks is the number of chunks
// the item would have stored.
func (r *run) failItem(ctx context.Context, f Failure, chunks int) {
	r.mu.Lock()
	r.chunksFailed += chunks
	r.mu.Unlock()
	r.sink.fail(ctx, f, func(c *Counters) { c.Failed++ })
}

func (r *run) failChunk(ctx context.Context, f Failure) {
	r.mu.Lock()
	r.chunksFailed++
	r.mu.Unlock()
	r.sink.fail(ctx, f, func(c *Counters) { c.Failed++ })
}

func (r *run) storeFailed(err error) {
	r.storeErrors.Add(1)
	r.mu.Lock()
	r.lastStoreErr = err
	r.mu.Unlock()
}

func (r *run) lastStoreError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastStoreErr
}

func (r *run) stored(points, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunksStored += points
	if points > 0 || failed == 0 {
		r.filesIndexed++
	}
}

func (r *run) skipped(ctx context.Context) {
	r.mu.Lock()
	r.filesSkipped++
	r.mu.Unlock()
	r.tracker.Update(ctx, "", func(c *Counters) { c.Skipped++ })
}

func (r *run) deleted() {
	r.mu.Lock()
	r.filesDeleted++
	r.mu.Unlock()
}

func (r *run) result() *Result {
	res := &Result{JobID: r.jobID}
	if r.sink != nil {
		_, unchanged, failures := r.sink.snapshot()
		res.FilesUnchanged = unchanged
		res.Failures = failures
		paths := make(map[string]struct{}, len(failures))
		for _, f := range failures {
			paths[f.Path] = struct{}{}
		}
		res.FilesFailed = len(paths)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	res.FilesIndexed = r.filesIndexed
	res.FilesSkipped = r.filesSkipped
	res.FilesDeleted = r.filesDeleted
	res.ChunksStored = r.chunksStored
	res.ChunksFailed = r.chunksFailed
	return res
}
