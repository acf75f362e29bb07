package scope

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/ledger"
)

// Catalog is the subset of the ledger the resolver writes through.
type Catalog interface {
	EnsureTenant(ctx context.Context, t ledger.Tenant) error
	EnsureDataset(ctx context.Context, d ledger.Dataset) error
	Dataset(ctx context.Context, id string) (*ledger.Dataset, error)
	EnsureMapping(ctx context.Context, m ledger.Mapping) error
	Mapping(ctx context.Context, datasetID string) (*ledger.Mapping, error)
}

// Layout describes the vector layout recorded in new mappings.
type Layout struct {
	TextDimension int
	CodeDimension int
	Hybrid        bool
}

// Request names the dataset to resolve.
type Request struct {
	Tenant     string
	Dataset    string
	Scope      string
	SourceKind string

	// LegacyCollection, when set, is used verbatim as the collection name
	// instead of the derived one.
	LegacyCollection string
}

// Resolver resolves requests and keeps the ledger's tenant, dataset and
// mapping rows in step with them.
type Resolver struct {
	catalog Catalog
	layout  Layout
	cache   *lru.Cache[string, string] // dataset id -> collection name
	logger  *slog.Logger
}

// NewResolver creates a resolver. cacheSize <= 0 uses 1024 entries.
func NewResolver(catalog Catalog, layout Layout, cacheSize int, logger *slog.Logger) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating mapping cache: %w", err)
	}
	return &Resolver{catalog: catalog, layout: layout, cache: cache, logger: logger}, nil
}

// Resolve derives the identity for req and idempotently ensures the
// tenant, dataset and mapping rows exist. Any ledger failure fails the
// whole request as a configuration error.
func (r *Resolver) Resolve(ctx context.Context, req Request) (Identity, error) {
	s, err := ParseScope(req.Scope)
	if err != nil {
		return Identity{}, errs.Config("resolving scope", err)
	}

	datasetName := req.Dataset
	if datasetName == "" {
		datasetName = req.LegacyCollection
	}
	id, err := Derive(req.Tenant, datasetName, s)
	if err != nil {
		return Identity{}, errs.Config("resolving scope", err)
	}
	if req.LegacyCollection != "" {
		id.CollectionName = req.LegacyCollection
		id.Legacy = true
	}

	if id.TenantID != "" {
		if err := r.catalog.EnsureTenant(ctx, ledger.Tenant{ID: id.TenantID, Name: id.TenantName}); err != nil {
			return Identity{}, errs.Config("metadata store unavailable", err)
		}
	}
	if err := r.catalog.EnsureDataset(ctx, ledger.Dataset{
		ID:         id.DatasetID,
		TenantID:   id.TenantID,
		Name:       id.DatasetName,
		Scope:      string(id.Scope),
		SourceKind: req.SourceKind,
	}); err != nil {
		return Identity{}, errs.Config("metadata store unavailable", err)
	}
	if err := r.catalog.EnsureMapping(ctx, r.mapping(id.DatasetID, id.CollectionName)); err != nil {
		return Identity{}, errs.Config("metadata store unavailable", err)
	}

	// An existing mapping wins, so a dataset first created under a legacy
	// name keeps resolving to it.
	m, err := r.catalog.Mapping(ctx, id.DatasetID)
	if err != nil {
		return Identity{}, errs.Config("metadata store unavailable", err)
	}
	if m.CollectionName != id.CollectionName {
		r.logger.Debug("using recorded collection",
			"dataset_id", id.DatasetID,
			"derived", id.CollectionName,
			"recorded", m.CollectionName)
		id.CollectionName = m.CollectionName
	}

	r.cache.Add(id.DatasetID, id.CollectionName)
	return id, nil
}

// CollectionFor returns the collection backing a dataset, rebuilding the
// mapping from the dataset row when it is missing.
func (r *Resolver) CollectionFor(ctx context.Context, datasetID string) (string, error) {
	if name, ok := r.cache.Get(datasetID); ok {
		return name, nil
	}

	m, err := r.catalog.Mapping(ctx, datasetID)
	if err == nil {
		r.cache.Add(datasetID, m.CollectionName)
		return m.CollectionName, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return "", errs.Config("metadata store unavailable", err)
	}

	d, err := r.catalog.Dataset(ctx, datasetID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return "", errs.Config(fmt.Sprintf("unknown dataset %s", datasetID), err)
		}
		return "", errs.Config("metadata store unavailable", err)
	}
	s, err := ParseScope(d.Scope)
	if err != nil {
		return "", errs.Config("resolving scope", err)
	}
	name := CollectionName(s, d.TenantName, d.Name)
	if err := r.catalog.EnsureMapping(ctx, r.mapping(datasetID, name)); err != nil {
		return "", errs.Config("metadata store unavailable", err)
	}
	r.logger.Warn("rebuilt missing collection mapping", "dataset_id", datasetID, "collection", name)

	r.cache.Add(datasetID, name)
	return name, nil
}

// Layout returns the vector layout new collections are created with.
func (r *Resolver) Layout() Layout {
	return r.layout
}

func (r *Resolver) mapping(datasetID, collection string) ledger.Mapping {
	return ledger.Mapping{
		DatasetID:      datasetID,
		CollectionName: collection,
		TextDimension:  r.layout.TextDimension,
		CodeDimension:  r.layout.CodeDimension,
		Hybrid:         r.layout.Hybrid,
	}
}
