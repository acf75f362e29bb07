// Package rerank calls an external cross-encoder over the common
// /rerank request shape (Cohere, Jina, TEI and vLLM all accept it).
package rerank

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config configures the reranker endpoint.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Score is the relevance of one document, by its position in the request.
type Score struct {
	Index int
	Score float64
}

// Client is a cross-encoder client.
type Client struct {
	client  *openai.Client
	model   string
	timeout time.Duration
	retries int
}

type request struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
	TopN      int      `json:"top_n,omitempty"`
}

type response struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// New creates a client. BaseURL is required.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("rerank base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	base := cfg.BaseURL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	key := cfg.APIKey
	if key == "" {
		key = "unused"
	}
	client := openai.NewClient(
		option.WithBaseURL(base),
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	)
	return &Client{client: &client, model: cfg.Model, timeout: cfg.Timeout, retries: cfg.MaxRetries}, nil
}

// Rerank scores documents against query. The result has one entry per
// document, in request order.
func (c *Client) Rerank(ctx context.Context, query string, documents []string) ([]Score, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	req := request{Model: c.model, Query: query, Documents: documents, TopN: len(documents)}

	var res response
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		res = response{}
		err := c.client.Post(callCtx, "rerank", req, &res)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var apiErr *openai.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode != 429 && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 3 * c.timeout
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.retries)), ctx)); err != nil {
		return nil, fmt.Errorf("rerank: %w", err)
	}

	scores := make([]Score, len(documents))
	seen := make([]bool, len(documents))
	for i := range scores {
		scores[i].Index = i
	}
	for _, r := range res.Results {
		if r.Index < 0 || r.Index >= len(documents) {
			return nil, fmt.Errorf("rerank: result index %d out of range", r.Index)
		}
		scores[r.Index].Score = r.RelevanceScore
		seen[r.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank: no score for document %d", i)
		}
	}
	return scores, nil
}
