package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bull/context-core/internal/ledger"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect and manage ingestion jobs",
}

var jobStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(false)
		if err != nil {
			return err
		}
		defer closeApp(a)

		job, err := a.Ledger.Job(context.Background(), args[0])
		if err != nil {
			return jobError(args[0], err)
		}
		printJob(job)
		return nil
	},
}

var jobListLimit int

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(false)
		if err != nil {
			return err
		}
		defer closeApp(a)

		jobs, err := a.Ledger.ListJobs(context.Background(), jobListLimit)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs recorded.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tSTATUS\tPROGRESS\tSOURCE\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
				j.ID, j.Kind, j.Status, j.Progress, j.Source, j.CreatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a job",
	Long: `Sets the job's durable cancel flag. A queued job is cancelled at once; a
running job stops reading new items at its next poll and keeps everything
already stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(false)
		if err != nil {
			return err
		}
		defer closeApp(a)

		job, err := a.Ledger.RequestCancel(context.Background(), args[0])
		if err != nil {
			return jobError(args[0], err)
		}
		printJob(job)
		return nil
	},
}

var jobPurgeOlderThan time.Duration

var jobPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished jobs older than the retention period",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(false)
		if err != nil {
			return err
		}
		defer closeApp(a)

		olderThan := jobPurgeOlderThan
		if olderThan <= 0 {
			olderThan = a.Config.Ledger.JobRetention
		}
		n, err := a.Ledger.PurgeJobs(context.Background(), olderThan)
		if err != nil {
			return err
		}
		printf("Purged %d job(s) finished more than %s ago\n", n, olderThan)
		return nil
	},
}

func init() {
	jobListCmd.Flags().IntVarP(&jobListLimit, "limit", "n", 20, "maximum number of jobs to list")
	jobPurgeCmd.Flags().DurationVar(&jobPurgeOlderThan, "older-than", 0, "retention period (default from config)")
	jobCmd.AddCommand(jobStatusCmd, jobListCmd, jobCancelCmd, jobPurgeCmd)
}

func jobError(id string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return fmt.Errorf("job %s not found", id)
	case errors.Is(err, ledger.ErrJobFinalized):
		return fmt.Errorf("job %s has already finished", id)
	}
	return err
}

func printJob(j *ledger.Job) {
	printf("Job %s\n", j.ID)
	printf("  Kind:     %s\n", j.Kind)
	printf("  Source:   %s\n", j.Source)
	printf("  Status:   %s", j.Status)
	if j.CancelRequested && !j.Status.Terminal() {
		printf(" (cancel requested)")
	}
	printf("\n")
	printf("  Progress: %d%% (%s)\n", j.Progress, j.Phase)
	printf("  Items:    %d/%d done, %d failed, %d skipped\n", j.ItemsDone, j.ItemsTotal, j.ItemsFailed, j.ItemsSkipped)
	if j.CurrentItem != "" && !j.Status.Terminal() {
		printf("  Current:  %s\n", j.CurrentItem)
	}
	if j.Error != "" {
		printf("  Error:    %s\n", j.Error)
	}
	printf("  Created:  %s\n", j.CreatedAt.Local().Format(time.DateTime))
	if !j.FinishedAt.IsZero() {
		printf("  Finished: %s (%s)\n", j.FinishedAt.Local().Format(time.DateTime), j.FinishedAt.Sub(j.CreatedAt).Round(time.Second))
	}
}
