package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureTenant inserts the tenant if absent. The first-seen name is kept.
func (s *Store) EnsureTenant(ctx context.Context, t Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, t.ID, t.Name, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensuring tenant: %w", err)
	}
	return nil
}

// EnsureDataset inserts the dataset if absent. Identifiers never change
// once created.
func (s *Store) EnsureDataset(ctx context.Context, d Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, tenant_id, name, scope, source_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, d.ID, d.TenantID, d.Name, d.Scope, d.SourceKind, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensuring dataset: %w", err)
	}
	return nil
}

// SetDatasetSourceKind records the kind of the latest ingestion.
func (s *Store) SetDatasetSourceKind(ctx context.Context, datasetID, kind string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE datasets SET source_kind = ? WHERE id = ?`, kind, datasetID)
	if err != nil {
		return fmt.Errorf("updating dataset kind: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const datasetColumns = `d.id, d.tenant_id, COALESCE(t.name, ''), d.name, d.scope, d.source_kind, d.created_at`

func scanDataset(row interface{ Scan(...any) error }) (*Dataset, error) {
	var d Dataset
	var createdAt int64
	if err := row.Scan(&d.ID, &d.TenantID, &d.TenantName, &d.Name, &d.Scope, &d.SourceKind, &createdAt); err != nil {
		return nil, err
	}
	d.CreatedAt = fromUnixNano(createdAt)
	return &d, nil
}

// Dataset returns the dataset with the given id.
func (s *Store) Dataset(ctx context.Context, id string) (*Dataset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+datasetColumns+`
		FROM datasets d LEFT JOIN tenants t ON t.id = d.tenant_id
		WHERE d.id = ?
	`, id)
	d, err := scanDataset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning dataset: %w", err)
	}
	return d, nil
}

// ListDatasets returns the tenant's datasets, plus global datasets when
// includeGlobal is set, ordered by name.
func (s *Store) ListDatasets(ctx context.Context, tenantID string, includeGlobal bool) ([]Dataset, error) {
	query := `
		SELECT ` + datasetColumns + `
		FROM datasets d LEFT JOIN tenants t ON t.id = d.tenant_id
		WHERE d.tenant_id = ?`
	args := []any{tenantID}
	if includeGlobal && tenantID != "" {
		query += ` OR d.tenant_id = ''`
	}
	query += ` ORDER BY d.name, d.tenant_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing datasets: %w", err)
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		d, err := scanDataset(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning dataset: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// EnsureMapping inserts the mapping if absent; the point count starts at
// zero only on first creation.
func (s *Store) EnsureMapping(ctx context.Context, m Mapping) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_mappings
			(dataset_id, collection_name, text_dimension, code_dimension, hybrid, point_count, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(dataset_id) DO NOTHING
	`, m.DatasetID, m.CollectionName, m.TextDimension, m.CodeDimension, boolInt(m.Hybrid), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("ensuring mapping: %w", err)
	}
	return nil
}

// Mapping returns the collection mapping for a dataset.
func (s *Store) Mapping(ctx context.Context, datasetID string) (*Mapping, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset_id, collection_name, text_dimension, code_dimension, hybrid, point_count, updated_at
		FROM collection_mappings WHERE dataset_id = ?
	`, datasetID)

	var m Mapping
	var hybrid int
	var updatedAt int64
	err := row.Scan(&m.DatasetID, &m.CollectionName, &m.TextDimension, &m.CodeDimension, &hybrid, &m.PointCount, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning mapping: %w", err)
	}
	m.Hybrid = hybrid == 1
	m.UpdatedAt = fromUnixNano(updatedAt)
	return &m, nil
}

// AddPointCount adjusts the cached point count, never below zero. Returns
// ErrNotFound when the mapping row is missing.
func (s *Store) AddPointCount(ctx context.Context, datasetID string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_mappings
		SET point_count = MAX(0, point_count + ?), updated_at = ?
		WHERE dataset_id = ?
	`, delta, s.now().UnixNano(), datasetID)
	if err != nil {
		return fmt.Errorf("updating point count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPointCount overwrites the cached point count with an observed value.
func (s *Store) SetPointCount(ctx context.Context, datasetID string, count int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE collection_mappings SET point_count = ?, updated_at = ? WHERE dataset_id = ?
	`, count, s.now().UnixNano(), datasetID)
	if err != nil {
		return fmt.Errorf("setting point count: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
