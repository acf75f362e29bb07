package github

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/go-github/v81/github"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/ignore"
)

// ErrInvalidRepository is returned by ParseRepository.
var ErrInvalidRepository = errors.New("invalid repository reference")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Repository identifies a repository and an optional ref.
type Repository struct {
	Owner string
	Name  string
	Ref   string // branch, tag or commit; empty for the default branch
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository accepts "owner/repo", "owner/repo@ref" and GitHub URLs
// such as https://github.com/owner/repo.git or
// https://github.com/owner/repo/tree/<ref>.
func ParseRepository(s string) (Repository, error) {
	raw := strings.TrimSpace(s)
	var r Repository

	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
		host, rest, ok := strings.Cut(raw, "/")
		if !ok || !strings.HasSuffix(host, "github.com") {
			return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
		}
		raw = rest
	} else {
		raw = strings.TrimPrefix(raw, "github.com/")
	}

	if before, ref, ok := strings.Cut(raw, "@"); ok {
		raw, r.Ref = before, ref
	}

	parts := strings.Split(strings.Trim(raw, "/"), "/")
	if len(parts) < 2 {
		return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}
	r.Owner = parts[0]
	r.Name = strings.TrimSuffix(parts[1], ".git")
	if len(parts) >= 4 && parts[2] == "tree" && r.Ref == "" {
		r.Ref = strings.Join(parts[3:], "/")
	} else if len(parts) > 2 {
		return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}

	if !namePattern.MatchString(r.Owner) || !namePattern.MatchString(r.Name) {
		return Repository{}, fmt.Errorf("%w: %q", ErrInvalidRepository, s)
	}
	return r, nil
}

// Snapshot is a repository pinned to a commit.
type Snapshot struct {
	Repository Repository
	Branch     string // the ref as requested, or the default branch
	Revision   string // commit SHA
}

// Locator returns the ledger key of a file in the snapshot. It does not
// include the revision, so a file keeps its key across commits.
func (s Snapshot) Locator(rel string) string {
	return fmt.Sprintf("github.com/%s/%s", s.Repository, rel)
}

// URL returns a browsable link to the file at the snapshot's revision.
func (s Snapshot) URL(rel string) string {
	return fmt.Sprintf("https://github.com/%s/blob/%s/%s", s.Repository, s.Revision, rel)
}

// ListOptions filters the blobs returned by ListFiles.
type ListOptions struct {
	// Ignore filters paths. When nil, ignore.Default plus the repository's
	// root .gitignore is used.
	Ignore      *ignore.Matcher
	MaxFileSize int64 // bytes; 0 disables the limit
	// PathPrefix restricts the listing to a subdirectory.
	PathPrefix string
}

// Fetcher reads repositories through the GitHub API.
type Fetcher struct {
	client  *Client
	logger  *slog.Logger
	retries uint64
}

// NewFetcher creates a fetcher.
func NewFetcher(client *Client, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, logger: logger, retries: 3}
}

// Resolve pins repo to a commit. An empty ref resolves to the default branch.
func (f *Fetcher) Resolve(ctx context.Context, repo Repository) (Snapshot, error) {
	snap := Snapshot{Repository: repo, Branch: repo.Ref}

	if snap.Branch == "" {
		err := f.retry(ctx, func() error {
			info, _, err := f.client.Repositories.Get(ctx, repo.Owner, repo.Name)
			if err != nil {
				return err
			}
			snap.Branch = info.GetDefaultBranch()
			return nil
		})
		if err != nil {
			return Snapshot{}, fmt.Errorf("get repository %s: %w", repo, err)
		}
	}

	err := f.retry(ctx, func() error {
		sha, _, err := f.client.Repositories.GetCommitSHA1(ctx, repo.Owner, repo.Name, snap.Branch, "")
		if err != nil {
			return err
		}
		snap.Revision = sha
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve %s@%s: %w", repo, snap.Branch, err)
	}
	return snap, nil
}

// ListFiles lists the blobs of the snapshot as change-detection candidates.
// The blob SHA serves as the content hash, so no content is downloaded.
// Symlinks and submodules are skipped.
func (f *Fetcher) ListFiles(ctx context.Context, snap Snapshot, opts ListOptions) ([]changes.File, error) {
	repo := snap.Repository

	var tree *github.Tree
	err := f.retry(ctx, func() error {
		t, _, err := f.client.Git.GetTree(ctx, repo.Owner, repo.Name, snap.Revision, true)
		tree = t
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get tree %s@%s: %w", repo, snap.Revision, err)
	}
	if tree.GetTruncated() {
		f.logger.Warn("repository tree truncated by the API, listing is incomplete",
			"repository", repo.String(), "revision", snap.Revision)
	}

	matcher := opts.Ignore
	if matcher == nil {
		matcher = ignore.Default()
		f.loadGitignore(ctx, snap, tree, matcher)
	}
	prefix := strings.Trim(opts.PathPrefix, "/")

	var files []changes.File
	for _, e := range tree.Entries {
		if e.GetType() != "blob" || e.GetMode() == "120000" {
			continue
		}
		rel := e.GetPath()
		if prefix != "" && rel != prefix && !strings.HasPrefix(rel, prefix+"/") {
			continue
		}
		if ignored(matcher, rel) {
			continue
		}
		if opts.MaxFileSize > 0 && int64(e.GetSize()) > opts.MaxFileSize {
			f.logger.Debug("skipping large blob", "path", rel, "size", e.GetSize())
			continue
		}
		files = append(files, changes.File{
			Path:    snap.Locator(rel),
			RelPath: rel,
			Size:    int64(e.GetSize()),
			Hash:    e.GetSHA(),
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (f *Fetcher) loadGitignore(ctx context.Context, snap Snapshot, tree *github.Tree, m *ignore.Matcher) {
	for _, e := range tree.Entries {
		if e.GetType() != "blob" || path.Base(e.GetPath()) != ".gitignore" {
			continue
		}
		data, err := f.FetchBlob(ctx, snap, e.GetSHA())
		if err != nil {
			f.logger.Warn("failed to read .gitignore", "path", e.GetPath(), "error", err)
			continue
		}
		base := path.Dir(e.GetPath())
		if base == "." {
			base = ""
		}
		if err := m.AddReader(bytes.NewReader(data), base); err != nil {
			f.logger.Warn("failed to parse .gitignore", "path", e.GetPath(), "error", err)
		}
	}
}

// FetchBlob downloads the raw contents of a blob.
func (f *Fetcher) FetchBlob(ctx context.Context, snap Snapshot, sha string) ([]byte, error) {
	repo := snap.Repository
	var data []byte
	err := f.retry(ctx, func() error {
		b, _, err := f.client.Git.GetBlobRaw(ctx, repo.Owner, repo.Name, sha)
		data = b
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get blob %s in %s: %w", sha, repo, err)
	}
	return data, nil
}

// retry retries fn on server errors and transport failures.
func (f *Fetcher) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	operation := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		var ghErr *github.ErrorResponse
		if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode < http.StatusInternalServerError {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, f.retries), ctx))
}

// ignored reports whether rel or any of its ancestor directories is ignored.
func ignored(m *ignore.Matcher, rel string) bool {
	dir := path.Dir(rel)
	var ancestors []string
	for dir != "." && dir != "/" && dir != "" {
		ancestors = append(ancestors, dir)
		dir = path.Dir(dir)
	}
	for i := len(ancestors) - 1; i >= 0; i-- {
		if m.Match(ancestors[i], true) {
			return true
		}
	}
	return m.Match(rel, false)
}
