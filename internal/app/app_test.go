package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/config"
	"github.com/bull/context-core/internal/crawl"
	"github.com/bull/context-core/internal/indexer"
	"github.com/bull/context-core/internal/ledger"
)

func TestNew_LedgerOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")

	a, err := New(cfg, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	assert.NotNil(t, a.Ledger)
	assert.Nil(t, a.Storage)
	assert.Nil(t, a.Orchestrator)
	assert.NoError(t, a.Ledger.Health(context.Background()))

	events, unsubscribe := a.Feed.Subscribe(4)
	defer unsubscribe()
	_, err = a.Ledger.CreateJob(context.Background(), ledger.Job{ID: "job-1", Kind: "local", Source: "/src"})
	require.NoError(t, err)
	select {
	case job := <-events:
		assert.Equal(t, "job-1", job.ID)
	case <-time.After(time.Second):
		t.Fatal("ledger writes are not published on the feed")
	}
}

func TestNewGateway_SparseToggle(t *testing.T) {
	cfg := config.Default()
	cfg.Embedding.APIKey = "test"
	cfg.Embedding.Code.Dimension = 768

	g, err := newGateway(cfg, nil)
	require.NoError(t, err)
	assert.True(t, g.Hybrid())
	assert.Equal(t, 1536, g.TextDimension())
	assert.Equal(t, 768, g.CodeDimension())

	cfg.Embedding.Sparse = false
	g, err = newGateway(cfg, nil)
	require.NoError(t, err)
	assert.False(t, g.Hybrid())
}

func TestNewGateway_RequiresCredentials(t *testing.T) {
	cfg := config.Default()
	_, err := newGateway(cfg, nil)
	assert.Error(t, err)
}

func TestNewSources(t *testing.T) {
	cfg := config.Default()
	s, err := newSources(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), s.MaxFileSize)
	assert.NotNil(t, s.Repository)
	assert.NotNil(t, s.Crawler)

	_, err = s.NewSource(context.Background(), indexer.Request{Kind: indexer.SourceLocal, Location: t.TempDir()})
	assert.NoError(t, err)
	_, err = s.NewSource(context.Background(), indexer.Request{Kind: indexer.SourceRepository, Location: "just-a-name"})
	assert.Error(t, err)
}

func TestNewSources_CrawlerRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html><head><title>Docs</title></head><body><p>Hello.</p></body></html>")
	}))
	t.Cleanup(srv.Close)

	s, err := newSources(config.Default(), nil, nil)
	require.NoError(t, err)

	stats, err := s.Crawler.Crawl(context.Background(), srv.URL+"/", crawl.Hooks{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pages)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNew_PurgesExpiredJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	past := time.Now().Add(-72 * time.Hour)
	old, err := ledger.Open(path, ledger.WithClock(func() time.Time { return past }))
	require.NoError(t, err)
	ctx := context.Background()
	_, err = old.CreateJob(ctx, ledger.Job{ID: "stale", Kind: "local", Source: "/src"})
	require.NoError(t, err)
	_, err = old.StartJob(ctx, "stale")
	require.NoError(t, err)
	_, err = old.FinishJob(ctx, "stale", ledger.JobCompleted, "")
	require.NoError(t, err)
	require.NoError(t, old.Close())

	cfg := config.Default()
	cfg.Ledger.Path = path
	cfg.Ledger.JobRetention = 24 * time.Hour
	a, err := New(cfg, nil, false)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close()) })

	require.Eventually(t, func() bool {
		_, err := a.Ledger.Job(ctx, "stale")
		return errors.Is(err, ledger.ErrNotFound)
	}, time.Second, 10*time.Millisecond)
}
