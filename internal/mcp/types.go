// Package mcp exposes ingestion, job tracking and hybrid search as MCP tools.
package mcp

// IngestSourceInput defines the input parameters for the ingest_source tool.
type IngestSourceInput struct {
	// Kind is the source kind: local, repository or crawl.
	Kind string `json:"kind" jsonschema:"source kind: local, repository or crawl"`
	// Location is a directory, an owner/repo[@ref] reference or a start URL.
	Location string `json:"location" jsonschema:"directory path, owner/repo[@ref] repository reference, or start URL"`
	Tenant   string `json:"tenant,omitempty" jsonschema:"tenant owning the dataset; required unless scope is global"`
	Dataset  string `json:"dataset" jsonschema:"dataset name within the tenant"`
	Scope    string `json:"scope,omitempty" jsonschema:"dataset scope: project (default), shared or global"`
	// Force bypasses change detection.
	Force      bool   `json:"force,omitempty" jsonschema:"re-index everything instead of only changed content"`
	PathPrefix string `json:"path_prefix,omitempty" jsonschema:"restrict a repository ingestion to this subdirectory"`
}

// IngestSourceOutput is returned once the job has been accepted.
type IngestSourceOutput struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	DatasetID  string `json:"dataset_id"`
	Collection string `json:"collection,omitempty"`
}

// GetJobInput defines the input parameters for the get_job tool.
type GetJobInput struct {
	JobID string `json:"job_id" jsonschema:"id returned by ingest_source"`
}

// CancelJobInput defines the input parameters for the cancel_job tool.
type CancelJobInput struct {
	JobID string `json:"job_id" jsonschema:"id of the job to cancel"`
}

// JobStatusOutput is the current state of an ingestion job. Times are RFC 3339.
type JobStatusOutput struct {
	JobID           string `json:"job_id"`
	Kind            string `json:"kind"`
	Source          string `json:"source"`
	Status          string `json:"status"`
	Progress        int    `json:"progress_percent"`
	Phase           string `json:"phase,omitempty"`
	CurrentItem     string `json:"current_item,omitempty"`
	Error           string `json:"error,omitempty"`
	ItemsTotal      int    `json:"items_total"`
	ItemsDone       int    `json:"items_done"`
	ItemsFailed     int    `json:"items_failed"`
	ItemsSkipped    int    `json:"items_skipped"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
	FinishedAt      string `json:"finished_at,omitempty"`
}

// SearchContextInput defines the input parameters for the search_context tool.
type SearchContextInput struct {
	Query string `json:"query" jsonschema:"natural language or code query"`
	// Selector picks datasets: *, a name, a comma list, a glob or @alias.
	Selector   string   `json:"selector,omitempty" jsonschema:"datasets to search: * (default), a name, a comma separated list, a glob such as api-*, or @alias"`
	Tenant     string   `json:"tenant,omitempty" jsonschema:"tenant whose datasets are searched alongside global ones"`
	TopK       int      `json:"top_k,omitempty" jsonschema:"maximum number of results, default 10"`
	MinScore   float64  `json:"min_score,omitempty" jsonschema:"minimum fused relevance score between 0 and 1"`
	Repository string   `json:"repository,omitempty" jsonschema:"only results from this owner/repo"`
	Languages  []string `json:"languages,omitempty" jsonschema:"only results in these languages, e.g. go, python"`
	Kinds      []string `json:"kinds,omitempty" jsonschema:"only these chunk kinds: code or text"`
	PathPrefix string   `json:"path_prefix,omitempty" jsonschema:"only results under this path prefix"`
	Rerank     *bool    `json:"rerank,omitempty" jsonschema:"rerank the head of the list with the cross-encoder; defaults to on when configured"`
}

// SearchContextOutput contains the ranked chunks.
type SearchContextOutput struct {
	RequestID   string         `json:"request_id"`
	Results     []SearchResult `json:"results"`
	Collections []string       `json:"collections"`
	Timing      TimingOutput   `json:"timing"`
	// Message provides informational context (e.g., "No matching content found").
	Message string `json:"message,omitempty"`
}

// SearchResult represents a single ranked chunk.
type SearchResult struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
	Locator    string  `json:"locator"`
	Tenant     string  `json:"tenant,omitempty"`
	Dataset    string  `json:"dataset"`
	Path       string  `json:"path,omitempty"`
	HeaderPath string  `json:"header_path,omitempty"`
	StartLine  int     `json:"start_line,omitempty"`
	EndLine    int     `json:"end_line,omitempty"`
	Language   string  `json:"language,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Reranked   bool    `json:"reranked,omitempty"`
	Repository string  `json:"repository,omitempty"`
	Revision   string  `json:"revision,omitempty"`
}

// TimingOutput reports query latency in milliseconds.
type TimingOutput struct {
	EmbedMS  int64 `json:"embed_ms"`
	SearchMS int64 `json:"search_ms"`
	RerankMS int64 `json:"rerank_ms"`
	TotalMS  int64 `json:"total_ms"`
}

// ListDatasetsInput defines the input parameters for the list_datasets tool.
type ListDatasetsInput struct {
	Tenant string `json:"tenant,omitempty" jsonschema:"tenant to list; global datasets are always included"`
}

// ListDatasetsOutput contains the datasets visible to a tenant.
type ListDatasetsOutput struct {
	Datasets []DatasetInfo `json:"datasets"`
	Count    int           `json:"count"`
}

// DatasetInfo describes one dataset and its collection.
type DatasetInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Tenant     string `json:"tenant,omitempty"`
	Scope      string `json:"scope"`
	SourceKind string `json:"source_kind,omitempty"`
	Collection string `json:"collection,omitempty"`
	Points     int64  `json:"points"`
	CreatedAt  string `json:"created_at"`
}
