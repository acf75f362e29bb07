// Package config loads runtime configuration from an optional YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Log       LogConfig              `yaml:"log"`
	Qdrant    QdrantConfig           `yaml:"qdrant"`
	Embedding EmbeddingConfig        `yaml:"embedding"`
	Rerank    RerankConfig           `yaml:"rerank"`
	Ledger    LedgerConfig           `yaml:"ledger"`
	Pipeline  PipelineConfig         `yaml:"pipeline"`
	Crawl     CrawlConfig            `yaml:"crawl"`
	Chunk     ChunkConfig            `yaml:"chunk"`
	Search    SearchConfig           `yaml:"search"`
	Aliases   map[string]AliasConfig `yaml:"aliases"`
	GitHub    GitHubConfig           `yaml:"github"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QdrantConfig holds connection details for the vector store.
type QdrantConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	APIKey  string        `yaml:"api_key"`
	UseTLS  bool          `yaml:"use_tls"`
	Timeout time.Duration `yaml:"timeout"`
}

// EmbeddingRoute configures one dense embedding model.
type EmbeddingRoute struct {
	BaseURL   string        `yaml:"base_url"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the dual-route embedding gateway.
type EmbeddingConfig struct {
	APIKey     string         `yaml:"api_key"`
	Text       EmbeddingRoute `yaml:"text"`
	Code       EmbeddingRoute `yaml:"code"`
	Sparse     bool           `yaml:"sparse"`
	MaxRetries int            `yaml:"max_retries"`
	CacheSize  int            `yaml:"cache_size"`
}

// RerankConfig configures the external cross-encoder.
type RerankConfig struct {
	Enabled bool          `yaml:"enabled"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// LedgerConfig configures the relational ledger.
type LedgerConfig struct {
	Path         string        `yaml:"path"`
	JobRetention time.Duration `yaml:"job_retention"`

	// PurgeInterval is how often finished jobs past JobRetention are
	// reclaimed. 0 disables the background purge.
	PurgeInterval time.Duration `yaml:"purge_interval"`
}

// PipelineConfig configures stage concurrency and timeouts.
type PipelineConfig struct {
	FetchWorkers  int           `yaml:"fetch_workers"`
	ChunkWorkers  int           `yaml:"chunk_workers"`
	EmbedWorkers  int           `yaml:"embed_workers"`
	StoreWorkers  int           `yaml:"store_workers"`
	HashWorkers   int           `yaml:"hash_workers"`
	QueueSize     int           `yaml:"queue_size"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	StoreTimeout  time.Duration `yaml:"store_timeout"`
	MemoryLimitMB int           `yaml:"memory_limit_mb"`
	MaxFileSizeKB int           `yaml:"max_file_size_kb"`
	CancelPoll    time.Duration `yaml:"cancel_poll"`
}

// CrawlConfig configures the web crawler.
type CrawlConfig struct {
	MaxDepth   int     `yaml:"max_depth"`
	MaxPages   int     `yaml:"max_pages"`
	BatchSize  int     `yaml:"batch_size"`
	PerHostRPS float64 `yaml:"per_host_rps"`
	SameHost   bool    `yaml:"same_host"`
	UserAgent  string  `yaml:"user_agent"`
	Retries    int     `yaml:"retries"` // per page; negative disables
}

// ChunkConfig configures the chunker.
type ChunkConfig struct {
	Size    int `yaml:"size"`
	Overlap int `yaml:"overlap"`
}

// SearchConfig configures the hybrid query engine.
type SearchConfig struct {
	DefaultTopK      int     `yaml:"default_top_k"`
	DefaultThreshold float64 `yaml:"default_threshold"`
	Oversample       int     `yaml:"oversample"`
	RerankTopN       int     `yaml:"rerank_top_n"`
	RRFConstant      int     `yaml:"rrf_constant"`
	MaxCollections   int     `yaml:"max_collections"`
}

// AliasConfig is one semantic alias: datasets matching any pattern or
// whose last ingested source kind is listed.
type AliasConfig struct {
	Patterns []string `yaml:"patterns"`
	Kinds    []string `yaml:"kinds"`
}

// GitHubConfig configures the repository source.
type GitHubConfig struct {
	Token string `yaml:"token"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Qdrant: QdrantConfig{
			Host:    "localhost",
			Port:    6334,
			Timeout: 5 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Text: EmbeddingRoute{
				Model:     "text-embedding-3-small",
				Dimension: 1536,
				BatchSize: 128,
				Timeout:   10 * time.Second,
			},
			Code: EmbeddingRoute{
				Model:     "text-embedding-3-small",
				Dimension: 1536,
				BatchSize: 64,
				Timeout:   10 * time.Second,
			},
			Sparse:     true,
			MaxRetries: 3,
			CacheSize:  1000,
		},
		Rerank: RerankConfig{
			Model:   "rerank-english-v3.0",
			Timeout: 5 * time.Second,
		},
		Ledger: LedgerConfig{
			Path:          defaultLedgerPath(),
			JobRetention:  24 * time.Hour,
			PurgeInterval: time.Hour,
		},
		Pipeline: PipelineConfig{
			FetchWorkers:  8,
			EmbedWorkers:  2,
			StoreWorkers:  2,
			QueueSize:     64,
			FetchTimeout:  5 * time.Second,
			StoreTimeout:  5 * time.Second,
			MemoryLimitMB: 1024,
			MaxFileSizeKB: 1024,
			CancelPoll:    500 * time.Millisecond,
		},
		Crawl: CrawlConfig{
			MaxDepth:   2,
			MaxPages:   200,
			BatchSize:  10,
			PerHostRPS: 4,
			SameHost:   true,
			UserAgent:  "context-core-crawler/0.1",
			Retries:    2,
		},
		Chunk: ChunkConfig{Size: 1500, Overlap: 200},
		Search: SearchConfig{
			DefaultTopK:      10,
			DefaultThreshold: 0,
			Oversample:       3,
			RerankTopN:       30,
			RRFConstant:      60,
			MaxCollections:   32,
		},
		Aliases: map[string]AliasConfig{
			"code": {Kinds: []string{"local", "repository"}},
			"docs": {Kinds: []string{"crawl"}, Patterns: []string{"*docs*"}},
		},
	}
}

func defaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".context-core", "ledger.db")
	}
	return filepath.Join(home, ".context-core", "ledger.db")
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Qdrant.Host = getEnv("QDRANT_HOST", c.Qdrant.Host)
	c.Qdrant.Port = getEnvInt("QDRANT_PORT", c.Qdrant.Port)
	c.Qdrant.APIKey = getEnv("QDRANT_API_KEY", c.Qdrant.APIKey)
	c.Embedding.APIKey = getEnv("OPENAI_API_KEY", c.Embedding.APIKey)

	baseURL := getEnv("OPENAI_BASE_URL", "")
	if baseURL != "" {
		if c.Embedding.Text.BaseURL == "" {
			c.Embedding.Text.BaseURL = baseURL
		}
		if c.Embedding.Code.BaseURL == "" {
			c.Embedding.Code.BaseURL = baseURL
		}
	}
	c.Embedding.Text.Model = getEnv("EMBED_TEXT_MODEL", c.Embedding.Text.Model)
	c.Embedding.Code.Model = getEnv("EMBED_CODE_MODEL", c.Embedding.Code.Model)

	if url := getEnv("RERANK_URL", ""); url != "" {
		c.Rerank.BaseURL = url
		c.Rerank.Enabled = true
	}
	c.Rerank.Model = getEnv("RERANK_MODEL", c.Rerank.Model)
	c.Rerank.APIKey = getEnv("RERANK_API_KEY", c.Rerank.APIKey)

	c.GitHub.Token = getEnv("GITHUB_TOKEN", c.GitHub.Token)
	c.Ledger.Path = getEnv("LEDGER_PATH", c.Ledger.Path)
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var problems []error

	if c.Qdrant.Port <= 0 {
		problems = append(problems, fmt.Errorf("qdrant.port must be positive"))
	}
	for name, route := range map[string]EmbeddingRoute{"text": c.Embedding.Text, "code": c.Embedding.Code} {
		if route.Model == "" {
			problems = append(problems, fmt.Errorf("embedding.%s.model is required", name))
		}
		if route.Dimension <= 0 {
			problems = append(problems, fmt.Errorf("embedding.%s.dimension must be positive", name))
		}
	}
	if c.Chunk.Size <= 0 {
		problems = append(problems, fmt.Errorf("chunk.size must be positive"))
	}
	if c.Chunk.Overlap < 0 || c.Chunk.Overlap >= c.Chunk.Size {
		problems = append(problems, fmt.Errorf("chunk.overlap must be in [0, chunk.size)"))
	}
	if c.Ledger.Path == "" {
		problems = append(problems, fmt.Errorf("ledger.path is required"))
	}
	if c.Rerank.Enabled && c.Rerank.BaseURL == "" {
		problems = append(problems, fmt.Errorf("rerank.base_url is required when rerank is enabled"))
	}
	for name, alias := range c.Aliases {
		if len(alias.Patterns) == 0 && len(alias.Kinds) == 0 {
			problems = append(problems, fmt.Errorf("alias %q has neither patterns nor kinds", name))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(problems...))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
