package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("LEDGER_PATH", filepath.Join(t.TempDir(), "ledger.db"))

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Contains(t, cfg.Aliases, "code")
	assert.Equal(t, 2, cfg.Crawl.Retries)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlDoc := `
qdrant:
  host: qdrant.internal
  port: 7000
pipeline:
  embed_workers: 5
  fetch_timeout: 3s
chunk:
  size: 800
  overlap: 100
aliases:
  specs:
    patterns: ["spec-*"]
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o600))

	t.Setenv("QDRANT_PORT", "7100")
	t.Setenv("LEDGER_PATH", filepath.Join(dir, "ledger.db"))
	t.Setenv("RERANK_URL", "http://reranker:8080/v1")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, 7100, cfg.Qdrant.Port, "env wins over file")
	assert.Equal(t, 5, cfg.Pipeline.EmbedWorkers)
	assert.Equal(t, 3*time.Second, cfg.Pipeline.FetchTimeout)
	assert.Equal(t, 800, cfg.Chunk.Size)
	assert.True(t, cfg.Rerank.Enabled)
	assert.Equal(t, []string{"spec-*"}, cfg.Aliases["specs"].Patterns)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Chunk.Overlap = cfg.Chunk.Size
	cfg.Embedding.Code.Dimension = 0
	cfg.Aliases["empty"] = AliasConfig{}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk.overlap")
	assert.Contains(t, err.Error(), "embedding.code.dimension")
	assert.Contains(t, err.Error(), `alias "empty"`)
}
