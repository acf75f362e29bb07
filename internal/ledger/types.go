package ledger

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a keyed row does not exist.
	ErrNotFound = errors.New("ledger: not found")

	// ErrJobFinalized is returned when a job write targets a job that has
	// already reached a terminal state.
	ErrJobFinalized = errors.New("ledger: job already finalized")
)

// Tenant is a named owner of datasets.
type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Dataset is a named collection of ingested content within a tenant, or
// global when TenantID is empty.
type Dataset struct {
	ID         string
	TenantID   string
	TenantName string // joined from tenants on reads
	Name       string
	Scope      string
	SourceKind string // kind of the most recent ingestion
	CreatedAt  time.Time
}

// Mapping caches the physical collection backing a dataset.
type Mapping struct {
	DatasetID      string
	CollectionName string
	TextDimension  int
	CodeDimension  int
	Hybrid         bool
	PointCount     int64
	UpdatedAt      time.Time
}

// FileRecord is the persisted change-detection state for one source file
// (or crawled URL) within a dataset.
type FileRecord struct {
	TenantID    string
	DatasetID   string
	Path        string
	ContentHash string
	Size        int64
	ChunkCount  int
	Language    string
	IndexedAt   time.Time
}

// JobStatus is the lifecycle state of an ingestion job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether s is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is one ingestion run.
type Job struct {
	ID              string
	Kind            string
	TenantID        string
	DatasetID       string
	Source          string
	Status          JobStatus
	Progress        int
	Phase           string
	CurrentItem     string
	Error           string
	RetryCount      int
	ItemsTotal      int
	ItemsDone       int
	ItemsFailed     int
	ItemsSkipped    int
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
	FinishedAt      time.Time
}

// JobUpdate is an idempotent intermediate write. Progress and counters are
// merged with MAX so replays and late, smaller values never move them back.
// Empty strings leave Phase and Error unchanged.
type JobUpdate struct {
	Phase        string
	Progress     int
	CurrentItem  string
	Error        string
	RetryCount   int
	ItemsTotal   int
	ItemsDone    int
	ItemsFailed  int
	ItemsSkipped int
}
