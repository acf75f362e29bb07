package ledger

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingNotifier captures published job events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []Job
}

func (r *recordingNotifier) JobUpdated(_ context.Context, j Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, j)
}

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "ledger.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.Health(context.Background()))
}

func TestCatalog_EnsureIsInsertIfAbsent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnsureTenant(ctx, Tenant{ID: "t1", Name: "Acme"}))
	require.NoError(t, store.EnsureTenant(ctx, Tenant{ID: "t1", Name: "acme"}))

	ds := Dataset{ID: "d1", TenantID: "t1", Name: "backend", Scope: "project", SourceKind: "local"}
	require.NoError(t, store.EnsureDataset(ctx, ds))
	require.NoError(t, store.EnsureDataset(ctx, ds))
	require.NoError(t, store.EnsureDataset(ctx, Dataset{ID: "g1", Name: "stdlib-docs", Scope: "global"}))

	got, err := store.Dataset(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.TenantName, "first-seen tenant name is kept")
	assert.Equal(t, "local", got.SourceKind)

	list, err := store.ListDatasets(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "backend", list[0].Name)
	assert.Equal(t, "stdlib-docs", list[1].Name)

	onlyTenant, err := store.ListDatasets(ctx, "t1", false)
	require.NoError(t, err)
	assert.Len(t, onlyTenant, 1)

	_, err = store.Dataset(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMapping_PointCountSurvivesReEnsure(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	m := Mapping{DatasetID: "d1", CollectionName: "project_acme_backend", TextDimension: 8, CodeDimension: 8, Hybrid: true}
	require.NoError(t, store.EnsureMapping(ctx, m))
	require.NoError(t, store.AddPointCount(ctx, "d1", 12))
	require.NoError(t, store.EnsureMapping(ctx, m))

	got, err := store.Mapping(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.PointCount)
	assert.True(t, got.Hybrid)

	require.NoError(t, store.AddPointCount(ctx, "d1", -50))
	got, err = store.Mapping(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.PointCount, "never below zero")

	assert.ErrorIs(t, store.AddPointCount(ctx, "nope", 1), ErrNotFound)
	assert.ErrorIs(t, store.SetPointCount(ctx, "nope", 1), ErrNotFound)
}

func TestFiles_UpsertAndDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	rec := FileRecord{TenantID: "t1", DatasetID: "d1", Path: "/src/a.go", ContentHash: "h1", Size: 10, ChunkCount: 2, Language: "go"}
	require.NoError(t, store.UpsertFile(ctx, rec))
	rec.ContentHash = "h2"
	require.NoError(t, store.UpsertFile(ctx, rec))
	require.NoError(t, store.UpsertFile(ctx, FileRecord{TenantID: "t1", DatasetID: "other", Path: "/src/a.go", ContentHash: "x"}))

	files, err := store.Files(ctx, "t1", "d1")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "h2", files["/src/a.go"].ContentHash)
	assert.False(t, files["/src/a.go"].IndexedAt.IsZero())

	require.NoError(t, store.DeleteFile(ctx, "t1", "d1", "/src/a.go"))
	require.NoError(t, store.DeleteFile(ctx, "t1", "d1", "/src/a.go"))
	files, err = store.Files(ctx, "t1", "d1")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestJobs_Lifecycle(t *testing.T) {
	rec := &recordingNotifier{}
	store := setupTestStore(t, WithNotifier(rec))
	ctx := context.Background()

	job, err := store.CreateJob(ctx, Job{ID: "j1", Kind: "local", DatasetID: "d1", Source: "/src"})
	require.NoError(t, err)
	assert.Equal(t, JobQueued, job.Status)

	_, err = store.StartJob(ctx, "j1")
	require.NoError(t, err)

	_, err = store.UpdateJob(ctx, "j1", JobUpdate{Phase: "chunking", Progress: 50, ItemsDone: 5})
	require.NoError(t, err)

	// A smaller, late value never moves progress backwards, and replaying
	// the same write is harmless.
	job, err = store.UpdateJob(ctx, "j1", JobUpdate{Phase: "chunking", Progress: 30, ItemsDone: 3})
	require.NoError(t, err)
	assert.Equal(t, 50, job.Progress)
	assert.Equal(t, 5, job.ItemsDone)

	job, err = store.FinishJob(ctx, "j1", JobCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.False(t, job.FinishedAt.IsZero())

	_, err = store.FinishJob(ctx, "j1", JobFailed, "late")
	assert.ErrorIs(t, err, ErrJobFinalized)
	_, err = store.UpdateJob(ctx, "j1", JobUpdate{Progress: 10})
	assert.ErrorIs(t, err, ErrJobFinalized)

	_, err = store.UpdateJob(ctx, "missing", JobUpdate{Progress: 10})
	assert.ErrorIs(t, err, ErrNotFound)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.events, 5, "one event per successful write")
	last := -1
	for _, ev := range rec.events {
		assert.GreaterOrEqual(t, ev.Progress, last)
		last = ev.Progress
	}
}

func TestJobs_RequestCancel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, Job{ID: "queued", Kind: "crawl", DatasetID: "d1"})
	require.NoError(t, err)
	job, err := store.RequestCancel(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, JobCancelled, job.Status, "queued jobs cancel immediately")

	_, err = store.StartJob(ctx, "queued")
	assert.ErrorIs(t, err, ErrJobFinalized)

	_, err = store.CreateJob(ctx, Job{ID: "running", Kind: "crawl", DatasetID: "d1"})
	require.NoError(t, err)
	_, err = store.StartJob(ctx, "running")
	require.NoError(t, err)
	job, err = store.RequestCancel(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, JobRunning, job.Status, "orchestrator finishes running jobs")

	requested, err := store.CancelRequested(ctx, "running")
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestJobs_Purge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := setupTestStore(t, WithClock(clock))
	ctx := context.Background()

	for _, id := range []string{"old", "active"} {
		_, err := store.CreateJob(ctx, Job{ID: id, Kind: "local", DatasetID: "d1"})
		require.NoError(t, err)
		_, err = store.StartJob(ctx, id)
		require.NoError(t, err)
	}
	_, err := store.FinishJob(ctx, "old", JobCompleted, "")
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	n, err := store.PurgeJobs(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Job(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Job(ctx, "active")
	assert.NoError(t, err)
}

func TestFeed_FanOut(t *testing.T) {
	feed := NewFeed()
	a, stopA := feed.Subscribe(4)
	b, stopB := feed.Subscribe(4)
	defer stopB()

	feed.JobUpdated(context.Background(), Job{ID: "j1", Progress: 10})

	assert.Equal(t, "j1", (<-a).ID)
	assert.Equal(t, "j1", (<-b).ID)

	stopA()
	stopA()
	_, open := <-a
	assert.False(t, open)

	feed.JobUpdated(context.Background(), Job{ID: "j2"})
	assert.Equal(t, "j2", (<-b).ID)
}
