package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Version is reported to MCP clients.
const Version = "v0.2.0"

// Server wraps the MCP server with dependencies.
type Server struct {
	server   *mcp.Server
	ingestor Ingestor
	ledger   Ledger
	searcher Searcher
}

// Config holds server dependencies.
type Config struct {
	Ingestor Ingestor
	Ledger   Ledger
	Searcher Searcher
}

// NewServer creates a configured MCP server with tools registered.
func NewServer(cfg *Config) *Server {
	impl := &mcp.Implementation{
		Name:    "context-core",
		Version: Version,
	}

	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ingest_source",
		Description: "Index a local directory, a GitHub repository or a website into a dataset. Returns a job id immediately; only changed content is re-indexed unless force is set. Poll get_job for progress.",
	}, makeIngestHandler(cfg.Ingestor, cfg.Ledger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job",
		Description: "Get the status of an ingestion job: status, progress percentage (never decreases), current phase, current item and item counters.",
	}, makeGetJobHandler(cfg.Ledger))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Cancel an ingestion job. Content already indexed is kept and items already in flight are finished.",
	}, makeCancelHandler(cfg.Ingestor))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "search_context",
		Description: "Hybrid semantic and lexical search across one or more datasets. Results from every selected dataset are merged into one ranking with comparable scores.",
	}, makeSearchHandler(cfg.Searcher))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_datasets",
		Description: "List the datasets a tenant can search, including global datasets, with their collections and point counts.",
	}, makeListDatasetsHandler(cfg.Ledger))

	return &Server{
		server:   server,
		ingestor: cfg.Ingestor,
		ledger:   cfg.Ledger,
		searcher: cfg.Searcher,
	}
}

// Run starts the server with stdio transport (blocks until client disconnects).
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// MCPServer returns the underlying MCP server instance.
// Used by transport handlers that need to wrap the server.
func (s *Server) MCPServer() *mcp.Server {
	return s.server
}
