// Package app assembles the ingestion and query components from a Config.
// Both binaries build their runtime through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/config"
	"github.com/bull/context-core/internal/crawl"
	"github.com/bull/context-core/internal/embedding"
	ghclient "github.com/bull/context-core/internal/github"
	"github.com/bull/context-core/internal/indexer"
	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/rerank"
	"github.com/bull/context-core/internal/scope"
	"github.com/bull/context-core/internal/search"
	"github.com/bull/context-core/internal/storage"
)

// App holds the wired components.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Ledger       *ledger.Store
	Feed         *ledger.Feed
	Storage      *storage.QdrantStorage
	Resolver     *scope.Resolver
	Gateway      *embedding.Gateway
	Orchestrator *indexer.Orchestrator
	Engine       *search.Engine

	janitor *ledger.Janitor
}

// New opens the ledger and, when withPipeline is set, connects to Qdrant
// and builds the ingestion and query components. Ledger-only commands such
// as job status skip Qdrant and the embedding routes. Finished jobs past
// their retention are purged in the background until Close.
func New(cfg *config.Config, logger *slog.Logger, withPipeline bool) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger, Feed: ledger.NewFeed()}

	store, err := ledger.Open(cfg.Ledger.Path, ledger.WithNotifier(a.Feed), ledger.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.Ledger = store
	a.janitor = ledger.NewJanitor(store, cfg.Ledger.JobRetention, cfg.Ledger.PurgeInterval, logger)
	a.janitor.Start(context.Background())

	if !withPipeline {
		return a, nil
	}

	timeout := cfg.Qdrant.Timeout
	if cfg.Pipeline.StoreTimeout > 0 {
		timeout = cfg.Pipeline.StoreTimeout
	}
	qdrantStore, err := storage.NewQdrantStorage(storage.Config{
		Host:    cfg.Qdrant.Host,
		Port:    cfg.Qdrant.Port,
		APIKey:  cfg.Qdrant.APIKey,
		UseTLS:  cfg.Qdrant.UseTLS,
		Timeout: timeout,
	}, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to Qdrant at %s:%d: %w", cfg.Qdrant.Host, cfg.Qdrant.Port, err)
	}
	a.Storage = qdrantStore

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Gateway = gateway

	a.Resolver, err = scope.NewResolver(store, scope.Layout{
		TextDimension: gateway.TextDimension(),
		CodeDimension: gateway.CodeDimension(),
		Hybrid:        gateway.Hybrid(),
	}, 0, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	sources, err := newSources(cfg, store, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Orchestrator = indexer.NewOrchestrator(
		store,
		a.Resolver,
		sources,
		chunk.New(chunk.Options{Size: cfg.Chunk.Size, Overlap: cfg.Chunk.Overlap}),
		gateway,
		qdrantStore,
		indexer.Options{
			ChunkWorkers: cfg.Pipeline.ChunkWorkers,
			EmbedWorkers: cfg.Pipeline.EmbedWorkers,
			StoreWorkers: cfg.Pipeline.StoreWorkers,
			QueueSize:    cfg.Pipeline.QueueSize,
			CancelPoll:   cfg.Pipeline.CancelPoll,
		},
		logger,
	)

	var reranker search.Reranker
	if cfg.Rerank.Enabled {
		client, err := rerank.New(rerank.Config{
			BaseURL: cfg.Rerank.BaseURL,
			APIKey:  cfg.Rerank.APIKey,
			Model:   cfg.Rerank.Model,
			Timeout: cfg.Rerank.Timeout,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("create reranker: %w", err)
		}
		reranker = client
	}

	aliases := make(map[string]search.Alias, len(cfg.Aliases))
	for name, alias := range cfg.Aliases {
		aliases[name] = search.Alias{Patterns: alias.Patterns, Kinds: alias.Kinds}
	}
	a.Engine = search.New(store, a.Resolver, gateway, qdrantStore, reranker, search.Options{
		DefaultTopK:      cfg.Search.DefaultTopK,
		DefaultThreshold: cfg.Search.DefaultThreshold,
		Oversample:       cfg.Search.Oversample,
		RerankTopN:       cfg.Search.RerankTopN,
		RRFConstant:      cfg.Search.RRFConstant,
		MaxCollections:   cfg.Search.MaxCollections,
		Aliases:          aliases,
	}, logger)

	return a, nil
}

func newGateway(cfg *config.Config, logger *slog.Logger) (*embedding.Gateway, error) {
	route := func(r config.EmbeddingRoute) (*embedding.Embedder, error) {
		client, err := embedding.NewClient(embedding.ClientConfig{BaseURL: r.BaseURL, APIKey: cfg.Embedding.APIKey})
		if err != nil {
			return nil, fmt.Errorf("create embedding client: %w", err)
		}
		return embedding.NewEmbedder(client, embedding.EmbedderConfig{
			Model:      r.Model,
			Dimension:  r.Dimension,
			BatchSize:  r.BatchSize,
			Timeout:    r.Timeout,
			MaxRetries: cfg.Embedding.MaxRetries,
		}), nil
	}
	text, err := route(cfg.Embedding.Text)
	if err != nil {
		return nil, err
	}
	code, err := route(cfg.Embedding.Code)
	if err != nil {
		return nil, err
	}

	var sparse *embedding.SparseEncoder
	if cfg.Embedding.Sparse {
		sparse = embedding.NewSparseEncoder()
	}
	return embedding.NewGateway(text, code, sparse, cfg.Embedding.CacheSize, logger)
}

func newSources(cfg *config.Config, store *ledger.Store, logger *slog.Logger) (*indexer.Sources, error) {
	maxFileSize := int64(cfg.Pipeline.MaxFileSizeKB) * 1024

	gh, err := ghclient.NewClient(ghclient.ClientConfig{Token: cfg.GitHub.Token})
	if err != nil {
		return nil, fmt.Errorf("create GitHub client: %w", err)
	}

	guard := crawl.NewMemoryGuard(uint64(cfg.Pipeline.MemoryLimitMB)<<20, logger)
	crawler := crawl.New(crawl.Options{
		MaxDepth:     cfg.Crawl.MaxDepth,
		MaxPages:     cfg.Crawl.MaxPages,
		BatchSize:    cfg.Crawl.BatchSize,
		PerHostRPS:   cfg.Crawl.PerHostRPS,
		SameHost:     cfg.Crawl.SameHost,
		UserAgent:    cfg.Crawl.UserAgent,
		FetchTimeout: cfg.Pipeline.FetchTimeout,
		Retries:      cfg.Crawl.Retries,
	}, &http.Client{Timeout: 2 * cfg.Pipeline.FetchTimeout}, nil, guard, logger)

	return &indexer.Sources{
		Detector: changes.NewDetector(store, changes.Options{
			HashWorkers: cfg.Pipeline.HashWorkers,
			MaxFileSize: maxFileSize,
		}, logger),
		Repository:  ghclient.NewFetcher(gh, logger),
		Crawler:     crawler,
		Workers:     cfg.Pipeline.FetchWorkers,
		MaxFileSize: maxFileSize,
		MaxPages:    cfg.Crawl.MaxPages,
	}, nil
}

// Close stops background jobs and releases connections.
func (a *App) Close() error {
	if a.Orchestrator != nil {
		a.Orchestrator.Close()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	var errList []error
	if a.Storage != nil {
		errList = append(errList, a.Storage.Close())
	}
	if a.Ledger != nil {
		errList = append(errList, a.Ledger.Close())
	}
	return errors.Join(errList...)
}
