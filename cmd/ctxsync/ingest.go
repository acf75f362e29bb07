package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/context-core/internal/indexer"
	"github.com/bull/context-core/internal/ledger"
)

var ingestFlags struct {
	tenant           string
	dataset          string
	scope            string
	force            bool
	pathPrefix       string
	legacyCollection string
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <local|repository|crawl> <location>",
	Short: "Index a directory, repository or website into a dataset",
	Long: `Indexes content into the dataset's collection and waits for the job to finish.

Only created and modified files are re-indexed; deleted files have their
chunks removed. Use --force to re-index everything.

Locations:
  local       a directory path
  repository  owner/repo or owner/repo@ref on GitHub
  crawl       an http(s) start URL

Interrupting (Ctrl-C) cancels the job: no new items are read, items already
in flight are still stored. A second interrupt exits immediately.`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	f := ingestCmd.Flags()
	f.StringVar(&ingestFlags.tenant, "tenant", "", "tenant owning the dataset (required unless --scope global)")
	f.StringVar(&ingestFlags.dataset, "dataset", "", "dataset name (required)")
	f.StringVar(&ingestFlags.scope, "scope", "project", "dataset scope: project, shared or global")
	f.BoolVar(&ingestFlags.force, "force", false, "bypass change detection and re-index everything")
	f.StringVar(&ingestFlags.pathPrefix, "path-prefix", "", "restrict a repository ingestion to a subdirectory")
	f.StringVar(&ingestFlags.legacyCollection, "legacy-collection", "", "write into an existing collection instead of the derived one")
	_ = ingestCmd.MarkFlagRequired("dataset")
}

func runIngest(cmd *cobra.Command, args []string) error {
	start := time.Now()
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer closeApp(a)

	ctx := context.Background()
	job, err := a.Orchestrator.Submit(ctx, indexer.Request{
		Kind:             indexer.SourceKind(args[0]),
		Tenant:           ingestFlags.tenant,
		Dataset:          ingestFlags.dataset,
		Scope:            ingestFlags.scope,
		Location:         args[1],
		Force:            ingestFlags.force,
		PathPrefix:       ingestFlags.pathPrefix,
		LegacyCollection: ingestFlags.legacyCollection,
	})
	if err != nil {
		return fmt.Errorf("ingestion rejected: %w", err)
	}
	printf("Job %s accepted (%s %s)\n\n", job.ID, job.Kind, job.Source)

	events, unsubscribe := a.Feed.Subscribe(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		printProgress(events, job.ID)
	}()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	go cancelOnSignal(runCtx, a.Orchestrator, job.ID, stop)

	result, runErr := a.Orchestrator.Run(runCtx, job.ID)
	unsubscribe()
	<-done

	if result != nil {
		printResult(result)
	}
	printf("\nTotal time: %s\n", time.Since(start).Round(time.Second))
	if runErr != nil {
		return fmt.Errorf("indexing failed: %w", runErr)
	}
	return nil
}

// cancelOnSignal requests a graceful cancel on the first interrupt and
// aborts the run on the second.
func cancelOnSignal(ctx context.Context, orch *indexer.Orchestrator, jobID string, abort context.CancelFunc) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case <-sigs:
	case <-ctx.Done():
		return
	}
	fmt.Fprintln(os.Stderr, "\nCancelling; finishing items in flight (interrupt again to abort)...")
	if _, err := orch.Cancel(context.Background(), jobID); err != nil {
		fmt.Fprintf(os.Stderr, "cancel failed: %v\n", err)
	}

	select {
	case <-sigs:
		abort()
	case <-ctx.Done():
	}
}

// printProgress prints a line whenever the phase changes or progress
// crosses a 10% step.
func printProgress(events <-chan ledger.Job, jobID string) {
	lastPhase, lastStep := "", -1
	for job := range events {
		if job.ID != jobID {
			continue
		}
		step := job.Progress / 10
		if job.Phase == lastPhase && step == lastStep {
			continue
		}
		lastPhase, lastStep = job.Phase, step
		printf("  [%3d%%] %-11s %d/%d items", job.Progress, job.Phase, job.ItemsDone, job.ItemsTotal)
		if job.ItemsFailed > 0 {
			printf(", %d failed", job.ItemsFailed)
		}
		printf("\n")
	}
}

func printResult(r *indexer.Result) {
	fmt.Println()
	printf("Job %s %s\n", r.JobID, r.Status)
	printf("  Files indexed:   %d\n", r.FilesIndexed)
	printf("  Files unchanged: %d\n", r.FilesUnchanged)
	printf("  Files deleted:   %d\n", r.FilesDeleted)
	printf("  Files skipped:   %d\n", r.FilesSkipped)
	printf("  Chunks stored:   %d\n", r.ChunksStored)
	printf("  Duration:        %s\n", r.Duration.Round(time.Millisecond))

	if len(r.Failures) > 0 {
		fmt.Println()
		printf("Failed items (%d files, %d chunks):\n", r.FilesFailed, r.ChunksFailed)
		for _, f := range r.Failures {
			if f.ChunkID != "" {
				printf("  - %s [chunk %s]: %s\n", f.Path, f.ChunkID, f.Reason)
				continue
			}
			printf("  - %s: %s\n", f.Path, f.Reason)
		}
	}
}
