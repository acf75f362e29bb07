package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/bull/context-core/internal/indexer"
	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
	"github.com/bull/context-core/internal/search"
)

// Ingestor accepts ingestion jobs and cancels them.
type Ingestor interface {
	Start(ctx context.Context, req indexer.Request) (*ledger.Job, error)
	Cancel(ctx context.Context, jobID string) (*ledger.Job, error)
}

// Ledger is the read side of the job ledger and dataset catalog.
type Ledger interface {
	Job(ctx context.Context, id string) (*ledger.Job, error)
	ListDatasets(ctx context.Context, tenantID string, includeGlobal bool) ([]ledger.Dataset, error)
	Mapping(ctx context.Context, datasetID string) (*ledger.Mapping, error)
}

// Searcher answers queries.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// makeIngestHandler creates the ingest_source tool handler.
// The request is validated synchronously; the job itself runs in the
// background and is observed through get_job.
func makeIngestHandler(ingestor Ingestor, l Ledger) func(
	context.Context, *mcp.CallToolRequest, IngestSourceInput,
) (*mcp.CallToolResult, IngestSourceOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input IngestSourceInput) (
		*mcp.CallToolResult, IngestSourceOutput, error,
	) {
		job, err := ingestor.Start(ctx, indexer.Request{
			Kind:       indexer.SourceKind(strings.ToLower(strings.TrimSpace(input.Kind))),
			Tenant:     input.Tenant,
			Dataset:    input.Dataset,
			Scope:      input.Scope,
			Location:   strings.TrimSpace(input.Location),
			Force:      input.Force,
			PathPrefix: input.PathPrefix,
		})
		if err != nil {
			return nil, IngestSourceOutput{}, fmt.Errorf("ingestion rejected: %w", err)
		}

		out := IngestSourceOutput{
			JobID:     job.ID,
			Status:    string(job.Status),
			DatasetID: job.DatasetID,
		}
		// Resolution wrote the mapping before the job was created.
		if m, err := l.Mapping(ctx, job.DatasetID); err == nil {
			out.Collection = m.CollectionName
		}
		return nil, out, nil
	}
}

// makeGetJobHandler creates the get_job tool handler.
func makeGetJobHandler(l Ledger) func(
	context.Context, *mcp.CallToolRequest, GetJobInput,
) (*mcp.CallToolResult, JobStatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input GetJobInput) (
		*mcp.CallToolResult, JobStatusOutput, error,
	) {
		if input.JobID == "" {
			return nil, JobStatusOutput{}, errors.New("job_id is required")
		}
		job, err := l.Job(ctx, input.JobID)
		if err != nil {
			if errors.Is(err, ledger.ErrNotFound) {
				return nil, JobStatusOutput{}, fmt.Errorf("job %s not found", input.JobID)
			}
			return nil, JobStatusOutput{}, fmt.Errorf("failed to load job: %w", err)
		}
		return nil, jobStatus(job), nil
	}
}

// makeCancelHandler creates the cancel_job tool handler.
// Cancelling keeps everything already written; queued work drains first.
func makeCancelHandler(ingestor Ingestor) func(
	context.Context, *mcp.CallToolRequest, CancelJobInput,
) (*mcp.CallToolResult, JobStatusOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input CancelJobInput) (
		*mcp.CallToolResult, JobStatusOutput, error,
	) {
		if input.JobID == "" {
			return nil, JobStatusOutput{}, errors.New("job_id is required")
		}
		job, err := ingestor.Cancel(ctx, input.JobID)
		if err != nil {
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				return nil, JobStatusOutput{}, fmt.Errorf("job %s not found", input.JobID)
			case errors.Is(err, ledger.ErrJobFinalized):
				return nil, JobStatusOutput{}, fmt.Errorf("job %s has already finished", input.JobID)
			}
			return nil, JobStatusOutput{}, fmt.Errorf("failed to cancel job: %w", err)
		}
		return nil, jobStatus(job), nil
	}
}

// makeSearchHandler creates the search_context tool handler.
func makeSearchHandler(searcher Searcher) func(
	context.Context, *mcp.CallToolRequest, SearchContextInput,
) (*mcp.CallToolResult, SearchContextOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input SearchContextInput) (
		*mcp.CallToolResult, SearchContextOutput, error,
	) {
		if input.MinScore < 0 || input.MinScore > 1 {
			return nil, SearchContextOutput{}, errors.New("min_score must be between 0 and 1")
		}
		resp, err := searcher.Search(ctx, search.Request{
			Tenant:    input.Tenant,
			Selector:  input.Selector,
			Query:     input.Query,
			TopK:      input.TopK,
			Threshold: input.MinScore,
			Filters: search.Filters{
				Repository: input.Repository,
				Languages:  input.Languages,
				Kinds:      input.Kinds,
				PathPrefix: input.PathPrefix,
			},
			Rerank: input.Rerank,
		})
		if err != nil {
			return nil, SearchContextOutput{}, fmt.Errorf("search failed: %w", err)
		}

		out := SearchContextOutput{
			RequestID:   resp.RequestID,
			Results:     make([]SearchResult, 0, len(resp.Results)),
			Collections: resp.Collections,
			Timing: TimingOutput{
				EmbedMS:  resp.Timing.Embed.Milliseconds(),
				SearchMS: resp.Timing.Search.Milliseconds(),
				RerankMS: resp.Timing.Rerank.Milliseconds(),
				TotalMS:  resp.Timing.Total.Milliseconds(),
			},
		}
		if out.Collections == nil {
			out.Collections = []string{} // Ensure non-nil for JSON marshaling
		}
		for _, r := range resp.Results {
			sr := SearchResult{
				ID:         r.ID,
				Text:       r.Text,
				Score:      r.Score,
				Locator:    r.Locator,
				Tenant:     r.Tenant,
				Dataset:    r.Dataset,
				Path:       r.Path,
				HeaderPath: r.HeaderPath,
				StartLine:  r.StartLine,
				EndLine:    r.EndLine,
				Language:   r.Language,
				Kind:       r.Kind,
				Reranked:   r.Reranked,
			}
			if r.Provenance != nil {
				sr.Repository = r.Provenance.Repository
				sr.Revision = r.Provenance.Revision
			}
			out.Results = append(out.Results, sr)
		}
		if len(out.Results) == 0 {
			out.Message = "No matching content found. Try a broader query, a lower min_score or a wider selector."
		}
		return nil, out, nil
	}
}

// makeListDatasetsHandler creates the list_datasets tool handler.
// Datasets without a mapping are listed with an empty collection.
func makeListDatasetsHandler(l Ledger) func(
	context.Context, *mcp.CallToolRequest, ListDatasetsInput,
) (*mcp.CallToolResult, ListDatasetsOutput, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, input ListDatasetsInput) (
		*mcp.CallToolResult, ListDatasetsOutput, error,
	) {
		datasets, err := l.ListDatasets(ctx, scope.TenantID(input.Tenant), true)
		if err != nil {
			return nil, ListDatasetsOutput{}, fmt.Errorf("failed to list datasets: %w", err)
		}

		out := ListDatasetsOutput{Datasets: make([]DatasetInfo, 0, len(datasets))}
		for _, d := range datasets {
			info := DatasetInfo{
				ID:         d.ID,
				Name:       d.Name,
				Tenant:     d.TenantName,
				Scope:      d.Scope,
				SourceKind: d.SourceKind,
				CreatedAt:  formatTime(d.CreatedAt),
			}
			m, err := l.Mapping(ctx, d.ID)
			switch {
			case err == nil:
				info.Collection = m.CollectionName
				info.Points = m.PointCount
			case !errors.Is(err, ledger.ErrNotFound):
				return nil, ListDatasetsOutput{}, fmt.Errorf("failed to load mapping for %s: %w", d.Name, err)
			}
			out.Datasets = append(out.Datasets, info)
		}
		out.Count = len(out.Datasets)
		return nil, out, nil
	}
}

func jobStatus(job *ledger.Job) JobStatusOutput {
	out := JobStatusOutput{
		JobID:           job.ID,
		Kind:            job.Kind,
		Source:          job.Source,
		Status:          string(job.Status),
		Progress:        job.Progress,
		Phase:           job.Phase,
		CurrentItem:     job.CurrentItem,
		Error:           job.Error,
		ItemsTotal:      job.ItemsTotal,
		ItemsDone:       job.ItemsDone,
		ItemsFailed:     job.ItemsFailed,
		ItemsSkipped:    job.ItemsSkipped,
		CancelRequested: job.CancelRequested,
		CreatedAt:       formatTime(job.CreatedAt),
		UpdatedAt:       formatTime(job.UpdatedAt),
		FinishedAt:      formatTime(job.FinishedAt),
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
