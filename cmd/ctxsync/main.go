// Package main provides the ctxsync CLI for ingesting and querying context datasets.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/bull/context-core/internal/app"
	"github.com/bull/context-core/internal/config"
	"github.com/bull/context-core/internal/logging"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "ctxsync",
	Short: "Context dataset ingestion and hybrid search tool",
	Long: `CLI tool for indexing local trees, GitHub repositories and documentation
sites into tenant-scoped Qdrant collections, and for querying them.

Environment variables:
  QDRANT_HOST      Qdrant hostname (default: localhost)
  QDRANT_PORT      Qdrant gRPC port (default: 6334)
  OPENAI_API_KEY   API key for the embedding endpoints
  OPENAI_BASE_URL  OpenAI-compatible embedding endpoint (optional)
  RERANK_URL       Cross-encoder endpoint; enables reranking (optional)
  GITHUB_TOKEN     GitHub token for higher rate limits (optional)
  LEDGER_PATH      SQLite ledger path (default: ~/.context-core/ledger.db)`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "context-core.yaml", "path to the YAML config file (optional)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")

	rootCmd.AddCommand(ingestCmd, queryCmd, jobCmd, datasetsCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing (production)
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration, installs the logger and builds the runtime.
func setup(withPipeline bool) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	logger := logging.Setup(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	return app.New(cfg, logger, withPipeline)
}

func closeApp(a *app.App) {
	if err := a.Close(); err != nil {
		slog.Warn("Shutdown incomplete", "error", err)
	}
}

func printf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
