package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Janitor reclaims finished jobs once they are older than the retention
// window: once at start and then on every tick until Stop.
type Janitor struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger

	// ticks returns the tick channel and its stop function.
	ticks func(d time.Duration) (<-chan time.Time, func())

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJanitor creates a janitor for store.
func NewJanitor(store *Store, retention, interval time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:     store,
		retention: retention,
		interval:  interval,
		logger:    logger,
		ticks: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start launches the purge loop. It is a no-op when retention or interval
// is not positive.
func (j *Janitor) Start(ctx context.Context) {
	if j.retention <= 0 || j.interval <= 0 || j.done != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	tick, stop := j.ticks(j.interval)

	go func() {
		defer close(j.done)
		defer stop()
		j.purge(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
				j.purge(ctx)
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight purge to return.
func (j *Janitor) Stop() {
	if j.done == nil {
		return
	}
	j.cancel()
	<-j.done
}

func (j *Janitor) purge(ctx context.Context) {
	n, err := j.store.PurgeJobs(ctx, j.retention)
	switch {
	case err != nil && ctx.Err() == nil:
		j.logger.Warn("job purge failed", "error", err)
	case n > 0:
		j.logger.Info("Purged finished jobs", "count", n, "retention", j.retention)
	}
}
