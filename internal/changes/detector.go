// Package changes classifies a source file set against the persisted file
// ledger so only created and modified files enter the pipeline.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/bull/context-core/internal/ignore"
	"github.com/bull/context-core/internal/ledger"
)

// ErrNotDirectory is returned by Scan for a root that is not a directory.
var ErrNotDirectory = errors.New("not a directory")

// File is one candidate or recorded file.
type File struct {
	Path    string // absolute path, URL or repository path; the ledger key
	RelPath string
	Size    int64
	Hash    string
}

// Unreadable is a path that exists on disk but could not be hashed or,
// for a directory, walked.
type Unreadable struct {
	Path string
	Dir  bool
	Err  error
}

// covers reports whether p is the unreadable path or lies below it.
func (u Unreadable) covers(p string) bool {
	if p == u.Path {
		return true
	}
	return u.Dir && strings.HasPrefix(p, u.Path+string(filepath.Separator))
}

// ScanResult is what a walk found.
type ScanResult struct {
	Files      []File
	Unreadable []Unreadable
}

// ChangeSet is the result of a diff. Every slice is sorted by Path.
// Records of unreadable paths are in none of the four classes: they are
// neither deleted nor known to be unchanged.
type ChangeSet struct {
	Created    []File
	Modified   []File
	Deleted    []File
	Unchanged  []File
	Unreadable []Unreadable
}

// Hold reports the given paths as unreadable and withdraws deletions they
// cover.
func (c *ChangeSet) Hold(unreadable []Unreadable) {
	if len(unreadable) == 0 {
		return
	}
	c.Unreadable = append(c.Unreadable, unreadable...)
	kept := c.Deleted[:0]
	for _, f := range c.Deleted {
		held := false
		for _, u := range unreadable {
			if u.covers(f.Path) {
				held = true
				break
			}
		}
		if !held {
			kept = append(kept, f)
		}
	}
	c.Deleted = kept
}

// Pending returns created and modified files, the ones that need indexing.
func (c *ChangeSet) Pending() []File {
	out := make([]File, 0, len(c.Created)+len(c.Modified))
	out = append(out, c.Created...)
	return append(out, c.Modified...)
}

// ForceAll reclassifies unchanged files as modified.
func (c *ChangeSet) ForceAll() {
	c.Modified = append(c.Modified, c.Unchanged...)
	c.Unchanged = nil
	sortFiles(c.Modified)
}

// Records loads the persisted file records of a dataset.
type Records interface {
	Files(ctx context.Context, tenantID, datasetID string) (map[string]ledger.FileRecord, error)
}

// Options tunes a Detector.
type Options struct {
	HashWorkers int
	MaxFileSize int64 // bytes; 0 disables the limit
	Ignore      []string
}

// Detector walks a tree, hashes candidates in parallel and classifies them.
type Detector struct {
	records  Records
	opts     Options
	logger   *slog.Logger
	hashFile func(path string) (string, error)
}

// NewDetector creates a detector.
func NewDetector(records Records, opts Options, logger *slog.Logger) *Detector {
	if opts.HashWorkers <= 0 {
		opts.HashWorkers = runtime.NumCPU()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{records: records, opts: opts, logger: logger, hashFile: HashFile}
}

// Diff classifies the files under root against the records of
// (tenantID, datasetID).
func (d *Detector) Diff(ctx context.Context, root, tenantID, datasetID string) (*ChangeSet, error) {
	scan, err := d.Scan(ctx, root)
	if err != nil {
		return nil, err
	}
	records, err := d.records.Files(ctx, tenantID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("loading file records: %w", err)
	}
	cs := Classify(scan.Files, records)
	cs.Hold(scan.Unreadable)
	d.logger.Info("change detection complete",
		"root", root,
		"created", len(cs.Created),
		"modified", len(cs.Modified),
		"deleted", len(cs.Deleted),
		"unchanged", len(cs.Unchanged),
		"unreadable", len(cs.Unreadable))
	return cs, nil
}

// Scan walks root and returns hashed candidates. Files and subdirectories
// that cannot be read are returned separately, never dropped silently.
func (d *Detector) Scan(ctx context.Context, root string) (*ScanResult, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("reading root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirectory, root)
	}

	files, unreadable, err := d.walk(ctx, root)
	if err != nil {
		return nil, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.HashWorkers)
	hashErrs := make([]error, len(files))
	for i := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			sum, err := d.hashFile(files[i].Path)
			if err != nil {
				hashErrs[i] = err
				return nil
			}
			files[i].Hash = sum
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res := &ScanResult{Unreadable: unreadable}
	for i, f := range files {
		if hashErrs[i] != nil {
			d.logger.Warn("unreadable file", "path", f.Path, "error", hashErrs[i])
			res.Unreadable = append(res.Unreadable, Unreadable{Path: f.Path, Err: hashErrs[i]})
			continue
		}
		res.Files = append(res.Files, f)
	}
	sort.Slice(res.Unreadable, func(i, j int) bool { return res.Unreadable[i].Path < res.Unreadable[j].Path })
	return res, nil
}

func (d *Detector) walk(ctx context.Context, root string) ([]File, []Unreadable, error) {
	matcher := ignore.New(append(append([]string{}, ignore.DefaultPatterns...), d.opts.Ignore...)...)

	var (
		files      []File
		unreadable []Unreadable
	)
	err := filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			d.logger.Warn("walk error", "path", p, "error", err)
			// A directory error is reported once for the directory; its
			// entries are not visited.
			isDir := entry != nil && entry.IsDir()
			unreadable = append(unreadable, Unreadable{Path: p, Dir: isDir, Err: err})
			if isDir {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)

		if entry.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if entry.IsDir() {
			if p != root && matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			base := rel
			if p == root {
				base = ""
			}
			gi := filepath.Join(p, ".gitignore")
			if _, err := os.Stat(gi); err == nil {
				if err := matcher.AddFile(gi, base); err != nil {
					d.logger.Warn("ignoring unreadable .gitignore", "path", gi, "error", err)
				}
			}
			return nil
		}
		if !entry.Type().IsRegular() || matcher.Match(rel, false) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			unreadable = append(unreadable, Unreadable{Path: p, Err: err})
			return nil
		}
		if d.opts.MaxFileSize > 0 && info.Size() > d.opts.MaxFileSize {
			d.logger.Debug("skipping large file", "path", p, "size", info.Size())
			return nil
		}
		files = append(files, File{Path: p, RelPath: rel, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return files, unreadable, nil
}

// Classify diffs candidates against records keyed by path. A record with
// the same hash as a new path is still reported as delete plus create;
// renames are not inferred.
func Classify(candidates []File, records map[string]ledger.FileRecord) *ChangeSet {
	cs := &ChangeSet{}
	seen := make(map[string]struct{}, len(candidates))
	for _, f := range candidates {
		seen[f.Path] = struct{}{}
		rec, ok := records[f.Path]
		switch {
		case !ok:
			cs.Created = append(cs.Created, f)
		case rec.ContentHash != f.Hash:
			cs.Modified = append(cs.Modified, f)
		default:
			cs.Unchanged = append(cs.Unchanged, f)
		}
	}
	for p, rec := range records {
		if _, ok := seen[p]; !ok {
			cs.Deleted = append(cs.Deleted, File{Path: p, Size: rec.Size, Hash: rec.ContentHash})
		}
	}
	sortFiles(cs.Created)
	sortFiles(cs.Modified)
	sortFiles(cs.Deleted)
	sortFiles(cs.Unchanged)
	return cs
}

// HashFile returns the hex SHA-256 of a file's contents.
func HashFile(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func sortFiles(files []File) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
