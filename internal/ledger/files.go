package ledger

import (
	"context"
	"fmt"
)

// Files returns the indexed file records of a dataset keyed by path.
func (s *Store) Files(ctx context.Context, tenantID, datasetID string) (map[string]FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, dataset_id, path, content_hash, size, chunk_count, language, indexed_at
		FROM indexed_files WHERE tenant_id = ? AND dataset_id = ?
	`, tenantID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	defer rows.Close()

	out := make(map[string]FileRecord)
	for rows.Next() {
		var r FileRecord
		var indexedAt int64
		if err := rows.Scan(&r.TenantID, &r.DatasetID, &r.Path, &r.ContentHash, &r.Size,
			&r.ChunkCount, &r.Language, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning file record: %w", err)
		}
		r.IndexedAt = fromUnixNano(indexedAt)
		out[r.Path] = r
	}
	return out, rows.Err()
}

// UpsertFile creates or updates a file record.
func (s *Store) UpsertFile(ctx context.Context, r FileRecord) error {
	indexedAt := r.IndexedAt
	if indexedAt.IsZero() {
		indexedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO indexed_files
			(tenant_id, dataset_id, path, content_hash, size, chunk_count, language, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, dataset_id, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			size = excluded.size,
			chunk_count = excluded.chunk_count,
			language = excluded.language,
			indexed_at = excluded.indexed_at
	`, r.TenantID, r.DatasetID, r.Path, r.ContentHash, r.Size, r.ChunkCount, r.Language, unixNano(indexedAt))
	if err != nil {
		return fmt.Errorf("upserting file record: %w", err)
	}
	return nil
}

// DeleteFile removes a file record. Deleting an absent record is not an error.
func (s *Store) DeleteFile(ctx context.Context, tenantID, datasetID, path string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM indexed_files WHERE tenant_id = ? AND dataset_id = ? AND path = ?
	`, tenantID, datasetID, path)
	if err != nil {
		return fmt.Errorf("deleting file record: %w", err)
	}
	return nil
}
