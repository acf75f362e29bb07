package indexer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/crawl"
	"github.com/bull/context-core/internal/embedding"
	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
	"github.com/bull/context-core/internal/storage"
)

// fakeStore keeps points in memory, keyed by id.
type fakeStore struct {
	mu          sync.Mutex
	points      map[string]storage.Point
	collections []string
	ensureErr   error
	upsertErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string]storage.Point)}
}

func (s *fakeStore) EnsureCollection(_ context.Context, spec storage.CollectionSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections = append(s.collections, spec.Name)
	return s.ensureErr
}

func (s *fakeStore) UpsertChunks(_ context.Context, _ string, points []storage.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	for _, p := range points {
		s.points[p.ID] = p
	}
	return nil
}

func (s *fakeStore) DeleteByPath(_ context.Context, _, datasetID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.points {
		if p.Payload.DatasetID == datasetID && p.Payload.Path == path {
			delete(s.points, id)
		}
	}
	return nil
}

func (s *fakeStore) DeleteStale(_ context.Context, _, datasetID, path string, keep []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	for id, p := range s.points {
		if p.Payload.DatasetID == datasetID && p.Payload.Path == path && !kept[id] {
			delete(s.points, id)
		}
	}
	return nil
}

func (s *fakeStore) Count(_ context.Context, _ string, filter storage.Filter) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, p := range s.points {
		if len(filter.DatasetIDs) == 0 || slices.Contains(filter.DatasetIDs, p.Payload.DatasetID) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.points {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// pathCounts returns the number of points per path.
func (s *fakeStore) pathCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, p := range s.points {
		out[p.Payload.Path]++
	}
	return out
}

// fakeEmbedder returns a constant vector and fails chunks matching fail.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	fail  func(c chunk.Chunk) bool
}

func (e *fakeEmbedder) EmbedChunks(_ context.Context, chunks []chunk.Chunk) ([]embedding.Embedded, []embedding.Failed, error) {
	e.mu.Lock()
	e.calls++
	fail := e.fail
	e.mu.Unlock()

	var done []embedding.Embedded
	var failed []embedding.Failed
	for _, c := range chunks {
		if fail != nil && fail(c) {
			failed = append(failed, embedding.Failed{Chunk: c, Err: errors.New("embedding endpoint returned 500")})
			continue
		}
		done = append(done, embedding.Embedded{Chunk: c, Dense: []float32{1, 0, 0, 0}})
	}
	return done, failed, nil
}

// countingChunker records which paths were chunked.
type countingChunker struct {
	inner *chunk.Chunker
	mu    sync.Mutex
	paths []string
}

func (c *countingChunker) Chunk(src chunk.Source) ([]chunk.Chunk, error) {
	c.mu.Lock()
	c.paths = append(c.paths, src.Path)
	c.mu.Unlock()
	return c.inner.Chunk(src)
}

func (c *countingChunker) reset() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.paths
	c.paths = nil
	sort.Strings(out)
	return out
}

type harness struct {
	ledger   *ledger.Store
	feed     *ledger.Feed
	store    *fakeStore
	embedder *fakeEmbedder
	chunker  *countingChunker
	orch     *Orchestrator
}

func newHarness(t *testing.T, sources func(l *ledger.Store) *Sources) *harness {
	t.Helper()
	feed := ledger.NewFeed()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.WithNotifier(feed))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	resolver, err := scope.NewResolver(l, scope.Layout{TextDimension: 4, CodeDimension: 4}, 0, nil)
	require.NoError(t, err)

	h := &harness{
		ledger:   l,
		feed:     feed,
		store:    newFakeStore(),
		embedder: &fakeEmbedder{},
		chunker:  &countingChunker{inner: chunk.New(chunk.Options{})},
	}
	h.orch = NewOrchestrator(l, resolver, sources(l), h.chunker, h.embedder, h.store, Options{
		ChunkWorkers:     2,
		EmbedWorkers:     2,
		StoreWorkers:     2,
		QueueSize:        4,
		CancelPoll:       10 * time.Millisecond,
		ProgressInterval: time.Nanosecond,
	}, nil)
	t.Cleanup(h.orch.Close)
	return h
}

func localSources(l *ledger.Store) *Sources {
	return &Sources{Detector: changes.NewDetector(l, changes.Options{HashWorkers: 4}, nil), Workers: 4}
}

func (h *harness) ingest(t *testing.T, req Request) (*Result, *ledger.Job) {
	t.Helper()
	ctx := context.Background()
	job, err := h.orch.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobQueued, job.Status)

	res, err := h.orch.Run(ctx, job.ID)
	require.NotNil(t, res)
	if res.Status != ledger.JobFailed {
		require.NoError(t, err)
	}
	final, err := h.ledger.Job(ctx, job.ID)
	require.NoError(t, err)
	return res, final
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func goFile(i int) string {
	return fmt.Sprintf("package pkg\n\n// F%d returns %d.\nfunc F%d() int { return %d }\n", i, i, i, i)
}

func localRequest(dir string) Request {
	return Request{Kind: SourceLocal, Tenant: "acme", Dataset: "widgets", Scope: "project", Location: dir}
}

func TestOrchestrator_IncrementalLocalSync(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	for i := range 10 {
		writeFile(t, dir, fmt.Sprintf("pkg/file%02d.go", i), goFile(i))
	}
	req := localRequest(dir)

	first, job := h.ingest(t, req)
	assert.Equal(t, ledger.JobCompleted, first.Status)
	assert.Equal(t, 10, first.FilesIndexed)
	assert.Len(t, h.chunker.reset(), 10)
	assert.Len(t, h.store.pathCounts(), 10)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, string(PhaseCompleted), job.Phase)

	writeFile(t, dir, "pkg/file03.go", goFile(3)+"\nfunc Extra() {}\n")
	second, job := h.ingest(t, req)
	assert.Equal(t, ledger.JobCompleted, second.Status)
	assert.Equal(t, 1, second.FilesIndexed)
	assert.Equal(t, 9, second.FilesUnchanged)
	assert.Equal(t, []string{filepath.Join(dir, "pkg", "file03.go")}, h.chunker.reset(), "only the modified file is re-chunked")
	assert.Equal(t, 9, job.ItemsSkipped)

	third, _ := h.ingest(t, req)
	assert.Equal(t, 0, third.FilesIndexed)
	assert.Equal(t, 10, third.FilesUnchanged)
	assert.Empty(t, h.chunker.reset(), "an unchanged tree triggers no work")

	mapping, err := h.ledger.Mapping(context.Background(), job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(h.store.ids())), mapping.PointCount)
	assert.Equal(t, []string{"project_acme_widgets"}, unique(h.store.collections))
}

func unique(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func TestOrchestrator_ForceReproducesChunkIDs(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	for i := range 5 {
		writeFile(t, dir, fmt.Sprintf("file%d.go", i), goFile(i))
	}
	req := localRequest(dir)

	h.ingest(t, req)
	before := h.store.ids()

	req.Force = true
	res, job := h.ingest(t, req)
	assert.Equal(t, 5, res.FilesIndexed)
	assert.Equal(t, before, h.store.ids())

	mapping, err := h.ledger.Mapping(context.Background(), job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(before)), mapping.PointCount, "re-storing identical chunks leaves the count unchanged")
}

func TestOrchestrator_ReconcilesDriftedPointCount(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	for i := range 3 {
		writeFile(t, dir, fmt.Sprintf("file%d.go", i), goFile(i))
	}
	req := localRequest(dir)

	_, job := h.ingest(t, req)
	ctx := context.Background()
	require.NoError(t, h.ledger.SetPointCount(ctx, job.DatasetID, 999))

	res, _ := h.ingest(t, req)
	assert.Equal(t, 3, res.FilesUnchanged)

	mapping, err := h.ledger.Mapping(ctx, job.DatasetID)
	require.NoError(t, err)
	assert.Equal(t, int64(len(h.store.ids())), mapping.PointCount)
}

func TestOrchestrator_UnreadableDirectoryKeepsItsChunks(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	h := newHarness(t, localSources)
	dir := t.TempDir()
	writeFile(t, dir, "open.go", goFile(1))
	writeFile(t, dir, "locked/inner.go", goFile(2))
	req := localRequest(dir)

	_, job := h.ingest(t, req)
	before := h.store.pathCounts()
	require.Len(t, before, 2)

	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	res, final := h.ingest(t, req)
	assert.Equal(t, ledger.JobCompleted, res.Status)
	assert.Equal(t, 0, res.FilesDeleted)
	assert.Equal(t, 1, res.FilesFailed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, locked, res.Failures[0].Path)
	assert.Equal(t, 1, final.ItemsFailed)
	assert.Equal(t, before, h.store.pathCounts(), "chunks of an unreadable subtree survive")

	records, err := h.ledger.Files(context.Background(), job.TenantID, job.DatasetID)
	require.NoError(t, err)
	assert.Contains(t, records, filepath.Join(locked, "inner.go"))
}

func TestOrchestrator_DeletedFileRemovesOnlyItsChunks(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	for i := range 4 {
		writeFile(t, dir, fmt.Sprintf("file%d.go", i), goFile(i))
	}
	req := localRequest(dir)
	h.ingest(t, req)

	gone := filepath.Join(dir, "file2.go")
	before := h.store.pathCounts()
	require.NoError(t, os.Remove(gone))

	res, job := h.ingest(t, req)
	assert.Equal(t, 1, res.FilesDeleted)

	after := h.store.pathCounts()
	assert.NotContains(t, after, gone)
	delete(before, gone)
	assert.Equal(t, before, after, "other files keep their chunks")

	records, err := h.ledger.Files(context.Background(), job.TenantID, job.DatasetID)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.NotContains(t, records, gone)
}

func TestOrchestrator_ItemFailuresDoNotFailTheJob(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	for i := range 50 {
		content := goFile(i)
		if i == 7 || i == 31 {
			content += "// poison\n"
		}
		writeFile(t, dir, fmt.Sprintf("file%02d.go", i), content)
	}
	h.embedder.fail = func(c chunk.Chunk) bool { return strings.Contains(c.Content, "poison") }

	res, job := h.ingest(t, localRequest(dir))
	assert.Equal(t, ledger.JobCompleted, res.Status)
	assert.Equal(t, 48, res.ChunksStored)
	assert.Equal(t, 2, res.ChunksFailed)
	assert.Equal(t, 2, res.FilesFailed)
	require.Len(t, res.Failures, 2)
	for _, f := range res.Failures {
		assert.NotEmpty(t, f.ChunkID)
	}

	assert.Equal(t, ledger.JobCompleted, job.Status)
	assert.Equal(t, 2, job.ItemsFailed)
	assert.Contains(t, job.Error, "2 item(s) failed")

	records, err := h.ledger.Files(context.Background(), job.TenantID, job.DatasetID)
	require.NoError(t, err)
	assert.Empty(t, records[filepath.Join(dir, "file07.go")].ContentHash, "partially failed files are retried next time")

	// Once the endpoint recovers, only the failed files are redone.
	h.embedder.fail = nil
	h.chunker.reset()
	retry, _ := h.ingest(t, localRequest(dir))
	assert.Equal(t, 2, retry.FilesIndexed)
	assert.Equal(t, 48, retry.FilesUnchanged)
	assert.Len(t, h.store.ids(), 50)
}

func TestOrchestrator_StorageDownFailsTheJob(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	writeFile(t, dir, "a.go", goFile(1))
	h.store.upsertErr = errors.New("qdrant unreachable")

	res, job := h.ingest(t, localRequest(dir))
	assert.Equal(t, ledger.JobFailed, res.Status)
	assert.Equal(t, ledger.JobFailed, job.Status)
	assert.Contains(t, job.Error, "qdrant unreachable")
}

func TestOrchestrator_CollectionSetupFailure(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	writeFile(t, dir, "a.go", goFile(1))
	h.store.ensureErr = storage.ErrDimensionMismatch

	ctx := context.Background()
	job, err := h.orch.Submit(ctx, localRequest(dir))
	require.NoError(t, err)
	_, err = h.orch.Run(ctx, job.ID)
	require.ErrorIs(t, err, storage.ErrDimensionMismatch)

	final, err := h.ledger.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobFailed, final.Status)
	assert.Contains(t, final.Error, "preparing collection")
}

func TestOrchestrator_SubmitRejectsBadRequests(t *testing.T) {
	h := newHarness(t, localSources)
	ctx := context.Background()

	tests := []Request{
		{Kind: "ftp", Tenant: "acme", Dataset: "d", Location: "/tmp"},
		{Kind: SourceLocal, Tenant: "acme", Dataset: "d"},
		{Kind: SourceLocal, Tenant: "acme", Dataset: "d", Location: filepath.Join(t.TempDir(), "missing")},
		{Kind: SourceLocal, Tenant: "acme", Dataset: "d", Scope: "galaxy", Location: t.TempDir()},
		{Kind: SourceLocal, Dataset: "d", Scope: "project", Location: t.TempDir()},
		{Kind: SourceRepository, Tenant: "acme", Dataset: "d", Location: "acme/widgets"},
		{Kind: SourceCrawl, Tenant: "acme", Dataset: "d", Location: "https://docs.example.com"},
	}
	for _, req := range tests {
		_, err := h.orch.Submit(ctx, req)
		require.Error(t, err, "%+v", req)
		assert.True(t, errs.IsKind(err, errs.KindConfig), "%+v: %v", req, err)
	}

	jobs, err := h.ledger.ListJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, jobs, "rejected requests create no job")
}

func TestOrchestrator_CancelBeforeStart(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	writeFile(t, dir, "a.go", goFile(1))
	ctx := context.Background()

	job, err := h.orch.Submit(ctx, localRequest(dir))
	require.NoError(t, err)
	_, err = h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCancelled, res.Status)
	assert.Zero(t, h.embedder.calls)
}

func TestOrchestrator_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t, localSources)
	events, stop := h.feed.Subscribe(100000)
	dir := t.TempDir()
	for i := range 30 {
		writeFile(t, dir, fmt.Sprintf("file%02d.go", i), goFile(i))
	}

	_, job := h.ingest(t, localRequest(dir))
	stop()

	last, n := -1, 0
	for ev := range events {
		if ev.ID != job.ID {
			continue
		}
		n++
		assert.GreaterOrEqual(t, ev.Progress, last, "phase %s", ev.Phase)
		last = ev.Progress
	}
	assert.Greater(t, n, 3)
	assert.Equal(t, 100, last)
}

// treeSite serves /n linking to /n0 and /n1, and so on. onDepth is called
// before a page of the given depth is served.
type treeSite struct {
	mu       sync.Mutex
	requests map[int]int
	onDepth  func(depth int)
}

func (s *treeSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.Trim(r.URL.Path, "/")
	if !strings.HasPrefix(name, "n") {
		http.NotFound(w, r)
		return
	}
	depth := len(name) - 1
	s.mu.Lock()
	s.requests[depth]++
	s.mu.Unlock()
	if s.onDepth != nil {
		s.onDepth(depth)
	}
	w.Header().Set("Content-Type", "text/html")
	fmt.Fprintf(w, `<html><head><title>%s</title></head><body><p>Documentation page %s.</p>
<a href="/%s0">left</a> <a href="/%s1">right</a></body></html>`, name, name, name, name)
}

// Cancel while depth 2 of 0..3 is in flight: depths 0 and 1 and the depth 2
// batch already started are stored, depth 3 never begins.
func TestOrchestrator_CancelCrawlMidLevel(t *testing.T) {
	site := &treeSite{requests: map[int]int{}}
	srv := httptest.NewServer(site)
	defer srv.Close()

	h := newHarness(t, func(*ledger.Store) *Sources {
		c := crawl.New(crawl.Options{MaxDepth: 3, MaxPages: 100, BatchSize: 1, SameHost: true}, srv.Client(), nil, nil, nil)
		return &Sources{Crawler: c}
	})

	var jobID atomic.Value
	var once sync.Once
	site.onDepth = func(depth int) {
		if depth == 2 {
			once.Do(func() {
				_, err := h.orch.Cancel(context.Background(), jobID.Load().(string))
				assert.NoError(t, err)
			})
		}
	}

	ctx := context.Background()
	job, err := h.orch.Submit(ctx, Request{
		Kind: SourceCrawl, Tenant: "acme", Dataset: "docs", Scope: "project", Location: srv.URL + "/n",
	})
	require.NoError(t, err)
	jobID.Store(job.ID)

	res, err := h.orch.Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCancelled, res.Status)

	final, err := h.ledger.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCancelled, final.Status)

	depths := map[int]int{}
	for p := range h.store.pathCounts() {
		depths[len(strings.Trim(strings.TrimPrefix(p, srv.URL), "/"))-1]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 2, 2: 1}, depths)

	site.mu.Lock()
	defer site.mu.Unlock()
	assert.Zero(t, site.requests[3], "depth 3 never begins")
}

func TestOrchestrator_StartRunsInBackground(t *testing.T) {
	h := newHarness(t, localSources)
	dir := t.TempDir()
	writeFile(t, dir, "a.go", goFile(1))
	ctx := context.Background()

	job, err := h.orch.Start(ctx, localRequest(dir))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := h.ledger.Job(ctx, job.ID)
		return err == nil && j.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	final, err := h.ledger.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.JobCompleted, final.Status)
	assert.Equal(t, 1, final.ItemsDone)
}
