// Package github is the repository source: it resolves a ref to a commit,
// lists the blobs of that commit and fetches their contents.
package github

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gofri/go-github-ratelimit/github_ratelimit"
	"github.com/google/go-github/v81/github"
)

// ClientConfig configures the GitHub API client.
type ClientConfig struct {
	// Token authenticates requests for higher rate limits. Optional.
	Token string
	// BaseURL overrides the API endpoint (GitHub Enterprise or tests).
	BaseURL string
	// Transport is the underlying round tripper. Defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

// Client wraps the GitHub API client with rate limiting support
type Client struct {
	*github.Client
}

// NewClient creates a GitHub client with optional authentication. Primary
// and secondary rate limits are handled by waiting for the reset window.
func NewClient(cfg ClientConfig) (*Client, error) {
	rateLimiter, err := github_ratelimit.NewRateLimitWaiterClient(cfg.Transport)
	if err != nil {
		return nil, fmt.Errorf("create rate limit waiter: %w", err)
	}

	ghClient := github.NewClient(rateLimiter)
	if cfg.Token != "" {
		ghClient = ghClient.WithAuthToken(cfg.Token)
	}

	if cfg.BaseURL != "" {
		base := cfg.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base URL: %w", err)
		}
		ghClient.BaseURL = u
	}

	return &Client{Client: ghClient}, nil
}
