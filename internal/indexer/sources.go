package indexer

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/chunk"
	"github.com/bull/context-core/internal/crawl"
	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/github"
)

// SourceKind is the kind of content an ingestion reads.
type SourceKind string

const (
	SourceLocal      SourceKind = "local"
	SourceRepository SourceKind = "repository"
	SourceCrawl      SourceKind = "crawl"
)

// ParseSourceKind validates a source kind string.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceLocal, SourceRepository, SourceCrawl:
		return k, nil
	}
	return "", errs.Config(fmt.Sprintf("unknown source kind %q", s), nil)
}

// Item is one fetched file or page on its way to the chunker.
type Item struct {
	File   changes.File
	Source chunk.Source
}

// Source discovers the content of one ingestion and feeds it to a Sink.
// Produce must stop starting new work once ctx is cancelled and return
// ctx.Err() in that case.
type Source interface {
	Produce(ctx context.Context, sink *Sink) error
}

// LocalSource reads a directory tree.
type LocalSource struct {
	Root     string
	Detector *changes.Detector
	Workers  int
}

func (s *LocalSource) Produce(ctx context.Context, sink *Sink) error {
	cs, err := s.Detector.Diff(ctx, s.Root, sink.TenantID(), sink.DatasetID())
	if err != nil {
		return fmt.Errorf("scanning %s: %w", s.Root, err)
	}
	pending := sink.Plan(ctx, cs)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Workers))
	for _, f := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(f.Path)
			if err != nil {
				sink.Failed(ctx, f.Path, errs.Transient("reading file", err))
				return nil
			}
			// Hash what is actually indexed; the file may have changed since the scan.
			f.Hash = changes.HashBytes(data)
			f.Size = int64(len(data))
			return sink.Emit(gctx, Item{
				File:   f,
				Source: chunk.Source{Path: f.Path, RelPath: f.RelPath, Content: data},
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// RepositoryReader is the part of github.Fetcher a RepositorySource uses.
type RepositoryReader interface {
	Resolve(ctx context.Context, repo github.Repository) (github.Snapshot, error)
	ListFiles(ctx context.Context, snap github.Snapshot, opts github.ListOptions) ([]changes.File, error)
	FetchBlob(ctx context.Context, snap github.Snapshot, sha string) ([]byte, error)
}

// RepositorySource reads one commit of a remote repository. Blob SHAs are
// the content hashes, so unchanged files are never downloaded.
type RepositorySource struct {
	Repository github.Repository
	Reader     RepositoryReader
	List       github.ListOptions
	Workers    int
}

func (s *RepositorySource) Produce(ctx context.Context, sink *Sink) error {
	snap, err := s.Reader.Resolve(ctx, s.Repository)
	if err != nil {
		return errs.Config("resolving repository "+s.Repository.String(), err)
	}
	sink.Discovery(ctx, 0.3)

	files, err := s.Reader.ListFiles(ctx, snap, s.List)
	if err != nil {
		return fmt.Errorf("listing %s: %w", s.Repository, err)
	}
	pending := sink.Plan(ctx, changes.Classify(files, sink.Records()))

	prov := chunk.Provenance{
		Repository: s.Repository.String(),
		Branch:     snap.Branch,
		Revision:   snap.Revision,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.Workers))
	for _, f := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := s.Reader.FetchBlob(gctx, snap, f.Hash)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				sink.Failed(ctx, f.Path, errs.Transient("fetching blob", err))
				return nil
			}
			return sink.Emit(gctx, Item{
				File: f,
				Source: chunk.Source{
					Path:       f.Path,
					RelPath:    f.RelPath,
					URL:        snap.URL(f.RelPath),
					Content:    data,
					Provenance: prov,
				},
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Crawler is the part of crawl.Crawler a CrawlSource uses.
type Crawler interface {
	Crawl(ctx context.Context, start string, hooks crawl.Hooks) (crawl.Stats, error)
}

// CrawlSource crawls a documentation site. Pages are keyed by URL in the
// file ledger and skipped when their text hash is unchanged. Pages that
// are no longer reachable are kept.
type CrawlSource struct {
	Start    string
	Crawler  Crawler
	MaxPages int
}

func (s *CrawlSource) Produce(ctx context.Context, sink *Sink) error {
	records := sink.Records()
	sink.Discovery(ctx, 1)
	if s.MaxPages > 0 {
		sink.ExpectFetches(s.MaxPages)
	}

	_, err := s.Crawler.Crawl(ctx, s.Start, crawl.Hooks{
		OnPage: func(pctx context.Context, p crawl.Page) error {
			file := changes.File{Path: p.URL, RelPath: relURL(p.URL), Size: int64(len(p.Text)), Hash: p.Hash}
			if rec, ok := records[p.URL]; ok && rec.ContentHash == p.Hash && !sink.Force() {
				sink.Unchanged(pctx, file)
				return nil
			}
			meta := map[string]string{"depth": fmt.Sprint(p.Depth)}
			if p.Title != "" {
				meta["title"] = p.Title
			}
			lang := ""
			if p.ContentType == "text/html" || p.ContentType == "application/xhtml+xml" {
				lang = "html"
			}
			return sink.Emit(pctx, Item{
				File: file,
				Source: chunk.Source{
					Path:     p.URL,
					RelPath:  file.RelPath,
					URL:      p.URL,
					Language: lang,
					Content:  []byte(p.Text),
					Metadata: meta,
				},
			})
		},
		OnFailure: func(u string, err error) {
			sink.Failed(ctx, u, err)
		},
	})
	return err
}

// relURL is the host plus path of a URL, used for path-prefix filters.
func relURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return filepath.ToSlash(u.Host + u.Path)
}

// SourceFactory turns a request into a Source. It runs synchronously at
// submission, so a bad location is reported before a job exists.
type SourceFactory interface {
	NewSource(ctx context.Context, req Request) (Source, error)
}

// Sources is the default SourceFactory. A nil Repository or Crawler
// disables that kind of ingestion.
type Sources struct {
	Detector    *changes.Detector
	Repository  RepositoryReader
	Crawler     Crawler
	Workers     int
	MaxFileSize int64
	MaxPages    int
}

func (s *Sources) NewSource(_ context.Context, req Request) (Source, error) {
	switch req.Kind {
	case SourceLocal:
		root, err := filepath.Abs(req.Location)
		if err != nil {
			return nil, errs.Config("resolving "+req.Location, err)
		}
		info, err := os.Stat(root)
		if err != nil {
			return nil, errs.Config("reading "+root, err)
		}
		if !info.IsDir() {
			return nil, errs.Config(root, changes.ErrNotDirectory)
		}
		return &LocalSource{Root: root, Detector: s.Detector, Workers: s.Workers}, nil

	case SourceRepository:
		if s.Repository == nil {
			return nil, errs.Config("repository ingestion is not configured", nil)
		}
		repo, err := github.ParseRepository(req.Location)
		if err != nil {
			return nil, errs.Config("parsing repository", err)
		}
		return &RepositorySource{
			Repository: repo,
			Reader:     s.Repository,
			List:       github.ListOptions{MaxFileSize: s.MaxFileSize, PathPrefix: strings.Trim(req.PathPrefix, "/")},
			Workers:    s.Workers,
		}, nil

	case SourceCrawl:
		if s.Crawler == nil {
			return nil, errs.Config("crawling is not configured", nil)
		}
		start, err := crawl.Normalize(req.Location)
		if err != nil {
			return nil, errs.Config("parsing crawl URL", err)
		}
		return &CrawlSource{Start: start, Crawler: s.Crawler, MaxPages: s.MaxPages}, nil
	}
	return nil, errs.Config(fmt.Sprintf("unknown source kind %q", req.Kind), nil)
}
