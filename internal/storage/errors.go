package storage

import "errors"

// Sentinel errors returned by QdrantStorage, wrapped with the collection
// or endpoint they concern. Match them with errors.Is.
var (
	// ErrQdrantUnreachable means the health check never succeeded.
	ErrQdrantUnreachable = errors.New("qdrant server unreachable")

	// ErrCollectionNotFound means a dataset's collection was never created.
	// Search skips such collections.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrDimensionMismatch means an existing collection or an incoming
	// vector disagrees with the configured embedding dimensions.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
