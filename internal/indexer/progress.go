package indexer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bull/context-core/internal/ledger"
)

// Phase is the label of a job's current pipeline stage.
type Phase string

const (
	PhaseDiscovering Phase = "discovering"
	PhaseCrawling    Phase = "crawling"
	PhaseChunking    Phase = "chunking"
	PhaseEmbedding   Phase = "embedding"
	PhaseStoring     Phase = "storing"
	PhaseCompleted   Phase = "completed"
)

// phaseRange is the fixed share of the 0-100 progress scale owned by each
// phase. Ranges are contiguous and do not overlap.
type phaseRange struct {
	phase    Phase
	from, to int
}

var phaseRanges = []phaseRange{
	{PhaseDiscovering, 0, 5},
	{PhaseCrawling, 5, 45},
	{PhaseChunking, 45, 60},
	{PhaseEmbedding, 60, 85},
	{PhaseStoring, 85, 100},
}

// Percent maps a fraction of one phase onto the overall scale.
func Percent(phase Phase, fraction float64) int {
	if phase == PhaseCompleted {
		return 100
	}
	fraction = clamp01(fraction)
	for _, r := range phaseRanges {
		if r.phase == phase {
			return r.from + int(fraction*float64(r.to-r.from))
		}
	}
	return 0
}

func clamp01(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// JobWriter is the ledger surface the tracker writes through.
type JobWriter interface {
	UpdateJob(ctx context.Context, id string, u ledger.JobUpdate) (*ledger.Job, error)
}

// Counters are the per-stage totals of a run. An item that leaves the
// pipeline early still counts as passed through every later stage, so
// Stored is the number of finished items.
type Counters struct {
	Discovered int // items that need indexing
	Fetched    int
	Dropped    int // items that failed before chunking
	Chunked    int
	Embedded   int
	Stored     int
	Failed     int // failed files, pages and chunks
	Skipped    int // unchanged or unindexable items
}

// Tracker turns stage counters into a monotonic progress percentage and
// throttles ledger writes. The label is the earliest unfinished phase and
// never moves backwards; the percentage is that phase's completion mapped
// onto its range, so it always lies inside the labelled range.
type Tracker struct {
	ledger      JobWriter
	jobID       string
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time

	mu          sync.Mutex
	counters    Counters
	discovery   float64 // completion of discovery
	fetchTotal  int     // expected fetches; 0 means Discovered
	fetchDone   bool    // production has finished
	last        int
	lastPhase   Phase
	phaseIdx    int // index into phaseRanges of lastPhase
	lastWrite   time.Time
	currentItem string
	errText     string
}

// NewTracker creates a tracker for a running job.
func NewTracker(w JobWriter, jobID string, minInterval time.Duration, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ledger:      w,
		jobID:       jobID,
		minInterval: minInterval,
		logger:      logger,
		now:         time.Now,
		lastPhase:   PhaseDiscovering,
	}
}

// Update applies fn to the counters and reports progress. Writes are
// throttled to one per minInterval unless the phase changes.
func (t *Tracker) Update(ctx context.Context, item string, fn func(c *Counters)) {
	t.update(ctx, item, fn, false)
}

func (t *Tracker) update(ctx context.Context, item string, fn func(c *Counters), force bool) {
	t.mu.Lock()
	if fn != nil {
		fn(&t.counters)
	}
	if item != "" {
		t.currentItem = item
	}
	pct, idx := t.compute()
	phase := phaseRanges[idx].phase
	changed := phase != t.lastPhase
	if pct < t.last {
		pct = t.last
	}
	due := force || changed || t.now().Sub(t.lastWrite) >= t.minInterval
	if !due || (pct == t.last && !changed && item == "" && !force) {
		t.mu.Unlock()
		return
	}
	t.last, t.lastPhase, t.phaseIdx, t.lastWrite = pct, phase, idx, t.now()
	update := t.jobUpdate()
	t.mu.Unlock()

	t.write(ctx, update)
}

// Discovery records how far discovery has got.
func (t *Tracker) Discovery(ctx context.Context, fraction float64) {
	t.Update(ctx, "", func(*Counters) {
		if fraction > t.discovery {
			t.discovery = clamp01(fraction)
		}
	})
}

// ExpectFetches sets the expected number of fetches when it differs from
// the number of discovered items, as for crawls.
func (t *Tracker) ExpectFetches(n int) {
	t.mu.Lock()
	t.fetchTotal = n
	t.mu.Unlock()
}

// ProductionDone marks discovery and fetching complete.
func (t *Tracker) ProductionDone(ctx context.Context) {
	t.Update(ctx, "", func(*Counters) {
		t.discovery = 1
		t.fetchDone = true
	})
}

// SetError records a non-fatal error text on the job.
func (t *Tracker) SetError(ctx context.Context, text string) {
	t.mu.Lock()
	t.errText = text
	t.mu.Unlock()
	t.update(ctx, "", nil, true)
}

// Flush writes the current state regardless of throttling.
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	pct, idx := t.compute()
	if pct > t.last {
		t.last = pct
	}
	t.lastPhase, t.phaseIdx, t.lastWrite = phaseRanges[idx].phase, idx, t.now()
	update := t.jobUpdate()
	t.mu.Unlock()
	t.write(ctx, update)
}

// Counters returns a copy of the counters.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Progress returns the last reported percentage and phase.
func (t *Tracker) Progress() (int, Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.lastPhase
}

// compute returns the percentage and the phaseRanges index of the current
// phase. It must be called with mu held.
func (t *Tracker) compute() (int, int) {
	c := t.counters
	fetchTotal := t.fetchTotal
	if fetchTotal == 0 {
		fetchTotal = c.Discovered
	}

	fetch := ratio(c.Fetched, fetchTotal)
	if t.fetchDone {
		fetch = 1
	}
	// Downstream stages are measured against what has been produced so far.
	produced := c.Discovered - c.Dropped
	fractions := []float64{
		t.discovery,
		fetch,
		ratio(c.Chunked, produced),
		ratio(c.Embedded, produced),
		ratio(c.Stored, produced),
	}
	if produced == 0 && t.fetchDone {
		fractions[2], fractions[3], fractions[4] = 1, 1, 1
	}

	idx := len(phaseRanges) - 1
	for i, f := range fractions {
		if f < 1 {
			idx = i
			break
		}
	}
	// A crawl that discovers more work reopens earlier stages; the label
	// stays where it was.
	if idx < t.phaseIdx {
		idx = t.phaseIdx
	}
	return Percent(phaseRanges[idx].phase, fractions[idx]), idx
}

func ratio(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return clamp01(float64(n) / float64(d))
}

// jobUpdate must be called with mu held.
func (t *Tracker) jobUpdate() ledger.JobUpdate {
	c := t.counters
	return ledger.JobUpdate{
		Phase:        string(t.lastPhase),
		Progress:     t.last,
		CurrentItem:  t.currentItem,
		Error:        t.errText,
		ItemsTotal:   c.Discovered,
		ItemsDone:    c.Stored,
		ItemsFailed:  c.Failed,
		ItemsSkipped: c.Skipped,
	}
}

func (t *Tracker) write(ctx context.Context, u ledger.JobUpdate) {
	// Progress writes must land even while production is being cancelled.
	if _, err := t.ledger.UpdateJob(context.WithoutCancel(ctx), t.jobID, u); err != nil {
		t.logger.Warn("failed to record job progress", "job_id", t.jobID, "error", err)
	}
}
