package indexer

import (
	"context"
	"fmt"
	"sync"

	"github.com/bull/context-core/internal/changes"
	"github.com/bull/context-core/internal/errs"
	"github.com/bull/context-core/internal/ledger"
)

// Failure is one item-level failure of a run.
type Failure struct {
	Path    string
	ChunkID string // empty for whole-file failures
	Reason  string
}

// Sink receives what a Source discovers and fetches. Emit blocks while the
// chunk queue is full.
type Sink struct {
	tenantID  string
	datasetID string
	records   map[string]ledger.FileRecord
	force     bool
	out       chan<- Item
	tracker   *Tracker

	mu        sync.Mutex
	planned   bool
	deleted   []changes.File
	unchanged int
	failures  []Failure
}

func newSink(tenantID, datasetID string, records map[string]ledger.FileRecord, force bool, out chan<- Item, tracker *Tracker) *Sink {
	if records == nil {
		records = map[string]ledger.FileRecord{}
	}
	return &Sink{
		tenantID:  tenantID,
		datasetID: datasetID,
		records:   records,
		force:     force,
		out:       out,
		tracker:   tracker,
	}
}

func (s *Sink) TenantID() string  { return s.tenantID }
func (s *Sink) DatasetID() string { return s.datasetID }

// Records returns the file records of the dataset as loaded at job start.
// Callers must not modify the map.
func (s *Sink) Records() map[string]ledger.FileRecord { return s.records }

// Force reports whether change detection is bypassed.
func (s *Sink) Force() bool { return s.force }

// Plan takes a change set, remembers its deletions and returns the files
// to fetch. With force, unchanged files are fetched too. Unreadable paths
// are recorded as item failures and keep their records.
func (s *Sink) Plan(ctx context.Context, cs *changes.ChangeSet) []changes.File {
	if s.force {
		cs.ForceAll()
	}
	pending := cs.Pending()

	s.mu.Lock()
	s.planned = true
	s.deleted = append(s.deleted, cs.Deleted...)
	s.unchanged += len(cs.Unchanged)
	s.mu.Unlock()

	s.tracker.Update(ctx, "", func(c *Counters) {
		c.Discovered += len(pending)
		c.Skipped += len(cs.Unchanged)
	})
	for _, u := range cs.Unreadable {
		reason := "reading file"
		if u.Dir {
			reason = "reading directory"
		}
		s.fail(ctx, Failure{Path: u.Path, Reason: errs.Transient(reason, u.Err).Error()},
			func(c *Counters) { c.Failed++ })
	}
	s.tracker.Discovery(ctx, 1)
	return pending
}

// Discovery reports discovery progress as a fraction.
func (s *Sink) Discovery(ctx context.Context, fraction float64) {
	s.tracker.Discovery(ctx, fraction)
}

// ExpectFetches sets the denominator of fetch progress.
func (s *Sink) ExpectFetches(n int) {
	s.tracker.ExpectFetches(n)
}

// Emit queues a fetched item for chunking.
func (s *Sink) Emit(ctx context.Context, item Item) error {
	s.mu.Lock()
	planned := s.planned
	s.mu.Unlock()

	s.tracker.Update(ctx, item.File.Path, func(c *Counters) {
		if !planned {
			c.Discovered++
		}
		c.Fetched++
	})

	select {
	case s.out <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unchanged records a fetched item whose content matched its record.
func (s *Sink) Unchanged(ctx context.Context, f changes.File) {
	s.mu.Lock()
	s.unchanged++
	s.mu.Unlock()
	s.tracker.Update(ctx, f.Path, func(c *Counters) {
		c.Fetched++
		c.Skipped++
	})
}

// Failed records an item that could not be fetched. The run continues.
func (s *Sink) Failed(ctx context.Context, path string, err error) {
	s.fail(ctx, Failure{Path: path, Reason: err.Error()}, func(c *Counters) {
		c.Fetched++
		c.Dropped++
		c.Failed++
	})
}

func (s *Sink) fail(ctx context.Context, f Failure, fn func(c *Counters)) {
	s.mu.Lock()
	s.failures = append(s.failures, f)
	n := len(s.failures)
	s.mu.Unlock()

	s.tracker.Update(ctx, "", fn)
	s.tracker.SetError(ctx, fmt.Sprintf("%d item(s) failed; last: %s: %s", n, f.Path, f.Reason))
}

func (s *Sink) snapshot() (deleted []changes.File, unchanged int, failures []Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]changes.File(nil), s.deleted...), s.unchanged, append([]Failure(nil), s.failures...)
}
