// Package crawl fetches web documentation breadth-first, one depth level at
// a time, with per-host rate limits and a memory-adaptive throttle.
package crawl

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bull/context-core/internal/errs"
)

// ErrInvalidURL is returned for a start URL that is not absolute http(s).
var ErrInvalidURL = errors.New("invalid crawl URL")

// SeedDiscoverer produces the depth-0 URLs of a crawl.
type SeedDiscoverer interface {
	Seeds(ctx context.Context, start string) ([]string, error)
}

// StaticSeeds returns the start URL followed by a fixed list.
type StaticSeeds []string

func (s StaticSeeds) Seeds(_ context.Context, start string) ([]string, error) {
	return append([]string{start}, s...), nil
}

// Page is one fetched document.
type Page struct {
	URL         string
	Depth       int
	Title       string
	Text        string
	ContentType string
	Hash        string // hex SHA-256 of Text
}

// Options tunes a Crawler.
type Options struct {
	MaxDepth     int
	MaxPages     int
	BatchSize    int
	PerHostRPS   float64 // 0 disables rate limiting
	SameHost     bool
	UserAgent    string
	FetchTimeout time.Duration
	MaxBodyBytes int64

	// Retries bounds retries of a failed fetch. 0 uses DefaultRetries and a
	// negative value disables retrying.
	Retries int
}

// DefaultRetries is the number of retries of a failed page fetch.
const DefaultRetries = 2

// Hooks receive crawl events. OnPage is called concurrently; an error from
// it aborts the crawl.
type Hooks struct {
	OnLevel   func(depth, size int)
	OnPage    func(ctx context.Context, page Page) error
	OnFailure func(url string, err error)
}

// Stats summarises a crawl.
type Stats struct {
	Pages   int
	Failed  int
	Skipped int
	Levels  int
}

// Crawler runs breadth-first crawls. It is safe to reuse across crawls.
type Crawler struct {
	client *http.Client
	opts   Options
	seeds  SeedDiscoverer
	guard  *MemoryGuard
	logger *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a crawler. A nil client uses http.DefaultClient, nil seeds
// use StaticSeeds and a nil guard disables memory throttling.
func New(opts Options, client *http.Client, seeds SeedDiscoverer, guard *MemoryGuard, logger *slog.Logger) *Crawler {
	if client == nil {
		client = http.DefaultClient
	}
	if seeds == nil {
		seeds = StaticSeeds(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 << 20
	}
	switch {
	case opts.Retries == 0:
		opts.Retries = DefaultRetries
	case opts.Retries < 0:
		opts.Retries = 0
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "context-core-crawler"
	}
	return &Crawler{
		client:   client,
		opts:     opts,
		seeds:    seeds,
		guard:    guard,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Crawl fetches start and the pages it links to, level by level up to
// MaxDepth. Cancellation of ctx is checked before each item, each batch and
// each level; fetches already started finish and their pages are still
// delivered to OnPage. A cancelled crawl returns ctx.Err().
func (c *Crawler) Crawl(ctx context.Context, start string, hooks Hooks) (Stats, error) {
	startURL, err := Normalize(start)
	if err != nil {
		return Stats{}, err
	}
	origin, _ := url.Parse(startURL)

	seeds, err := c.seeds.Seeds(ctx, startURL)
	if err != nil {
		return Stats{}, fmt.Errorf("discover seeds for %s: %w", startURL, err)
	}

	visited := make(map[string]struct{})
	var frontier []string
	for _, s := range seeds {
		n, err := Normalize(s)
		if err != nil {
			c.logger.Warn("skipping invalid seed", "url", s, "error", err)
			continue
		}
		if _, ok := visited[n]; ok || len(visited) >= c.opts.MaxPages {
			continue
		}
		visited[n] = struct{}{}
		frontier = append(frontier, n)
	}

	// Started fetches and deliveries outlive a cancel.
	runCtx := context.WithoutCancel(ctx)
	var stats Stats

	for depth := 0; len(frontier) > 0 && depth <= c.opts.MaxDepth; depth++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if hooks.OnLevel != nil {
			hooks.OnLevel(depth, len(frontier))
		}
		stats.Levels++
		c.logger.Debug("crawl level", "depth", depth, "urls", len(frontier))

		var next []string
		for lo := 0; lo < len(frontier); lo += c.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			batch := frontier[lo:min(lo+c.opts.BatchSize, len(frontier))]
			results, err := c.fetchBatch(ctx, runCtx, batch, depth, hooks)
			for _, r := range results {
				switch {
				case r.skipped:
					stats.Skipped++
				case r.err != nil:
					stats.Failed++
				case r.fetched:
					stats.Pages++
				}
				if depth == c.opts.MaxDepth {
					continue
				}
				for _, link := range r.links {
					if _, ok := visited[link]; ok || len(visited) >= c.opts.MaxPages {
						continue
					}
					if c.opts.SameHost && !sameHost(origin, link) {
						continue
					}
					visited[link] = struct{}{}
					next = append(next, link)
				}
			}
			if err != nil {
				return stats, err
			}
		}
		frontier = next
	}
	return stats, ctx.Err()
}

type result struct {
	fetched bool
	skipped bool
	err     error
	links   []string
}

func (c *Crawler) fetchBatch(ctx, runCtx context.Context, batch []string, depth int, hooks Hooks) ([]result, error) {
	results := make([]result, len(batch))
	g := new(errgroup.Group)
	for i, u := range batch {
		g.Go(func() error {
			// Not started yet: honour the cancel.
			if ctx.Err() != nil {
				results[i].skipped = true
				return nil
			}
			if err := c.guard.Wait(ctx); err != nil {
				results[i].skipped = true
				return nil
			}
			if err := c.limiter(u).Wait(ctx); err != nil {
				results[i].skipped = true
				return nil
			}

			page, links, err := c.fetch(runCtx, u)
			if err != nil {
				if errs.IsKind(err, errs.KindContent) {
					results[i].skipped = true
					c.logger.Debug("skipping page", "url", u, "reason", err)
					return nil
				}
				results[i].err = err
				c.logger.Warn("fetch failed", "url", u, "error", err)
				if hooks.OnFailure != nil {
					hooks.OnFailure(u, err)
				}
				return nil
			}
			page.Depth = depth
			results[i].fetched = true
			results[i].links = links

			if hooks.OnPage != nil {
				return hooks.OnPage(runCtx, page)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

func (c *Crawler) limiter(rawURL string) *rate.Limiter {
	if c.opts.PerHostRPS <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.opts.PerHostRPS), max(1, int(c.opts.PerHostRPS)))
		c.limiters[host] = l
	}
	return l
}

// fetch downloads one URL with a per-attempt timeout and bounded retries on
// server errors. Non-text responses and empty pages are content errors.
func (c *Crawler) fetch(ctx context.Context, rawURL string) (Page, []string, error) {
	var body []byte
	var contentType string
	var finalURL *url.URL

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, rawURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		req.Header.Set("Accept", "text/html,text/plain,text/markdown;q=0.9,*/*;q=0.1")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("GET %s: %s", rawURL, resp.Status)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("GET %s: %s", rawURL, resp.Status))
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, c.opts.MaxBodyBytes))
		if err != nil {
			return err
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		finalURL = resp.Request.URL
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.Retries)), ctx)); err != nil {
		return Page{}, nil, errs.Transient("fetch "+rawURL, err)
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "" {
		mediaType = http.DetectContentType(body)
		mediaType, _, _ = mime.ParseMediaType(mediaType)
	}

	page := Page{URL: rawURL, ContentType: mediaType}
	var links []string
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		doc, err := Extract(bytes.NewReader(body), finalURL)
		if err != nil {
			return Page{}, nil, errs.Content("extract "+rawURL, err)
		}
		page.Title, page.Text = doc.Title, doc.Text
		for _, l := range doc.Links {
			if n, err := Normalize(l); err == nil {
				links = append(links, n)
			}
		}
	case strings.HasPrefix(mediaType, "text/"):
		page.Text = strings.TrimSpace(string(body))
	default:
		return Page{}, nil, errs.Content("unsupported content type "+mediaType, nil)
	}

	if page.Text == "" {
		return Page{}, nil, errs.Content("empty page "+rawURL, nil)
	}
	sum := sha256.Sum256([]byte(page.Text))
	page.Hash = hex.EncodeToString(sum[:])
	return page, links, nil
}

// Normalize canonicalises a URL for the visited set: lower-case scheme and
// host, default port and fragment dropped, trailing slash removed except at
// the root, query parameters sorted.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, raw)
	}

	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		if u.Path == "" {
			u.Path = "/"
		}
	}
	u.RawPath = ""

	if u.RawQuery != "" {
		// Encode sorts by key.
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}

func sameHost(origin *url.URL, link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, origin.Host)
}
