package crawl

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

// MemoryGuard pauses callers while the Go heap is above a limit.
type MemoryGuard struct {
	limit    uint64
	interval time.Duration
	read     func() uint64
	logger   *slog.Logger

	mu      sync.Mutex
	sampled time.Time
	last    uint64
}

// NewMemoryGuard creates a guard for limit bytes of heap. A zero limit
// disables it.
func NewMemoryGuard(limit uint64, logger *slog.Logger) *MemoryGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryGuard{
		limit:    limit,
		interval: 250 * time.Millisecond,
		read:     heapAlloc,
		logger:   logger,
	}
}

func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.HeapAlloc
}

// usage returns the heap size, sampled at most once per interval.
func (g *MemoryGuard) usage() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.sampled) >= g.interval {
		g.last = g.read()
		g.sampled = time.Now()
	}
	return g.last
}

// Wait returns once usage is below the limit or ctx is done.
func (g *MemoryGuard) Wait(ctx context.Context) error {
	if g == nil || g.limit == 0 {
		return nil
	}
	used := g.usage()
	if used < g.limit {
		return nil
	}

	g.logger.Warn("memory above limit, pausing fetches", "heap_bytes", used, "limit_bytes", g.limit)
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if used = g.usage(); used < g.limit {
				g.logger.Info("memory below limit, resuming fetches", "heap_bytes", used)
				return nil
			}
			runtime.GC()
		}
	}
}
