package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
	"github.com/sqlshift/sqlshift/internal/core/store"
	"github.com/sqlshift/sqlshift/internal/observability"
	"github.com/sqlshift/sqlshift/internal/output"
)

var (
	retryRun    string
	retryOutput string
	retryOut    string
	retryOutDir string
)

var retryCmd = &cobra.Command{
	Use:   "retry [job-id...]",
	Short: "Re-submit failed jobs from stored results",
	Long: `Re-submit failed jobs recorded in the result store. Pass job ids, or
--run to retry every failed job of a run that has not already been retried
successfully. Retries keep the original run id and count as new attempts.
A single job is converted in the current rate-limit window; several jobs
run as a fresh batch run.`,
	RunE: runRetry,
}

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().StringVar(&retryRun, "run", "", "Retry every outstanding failed job of this run")
	retryCmd.Flags().StringVar(&retryOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	retryCmd.Flags().StringVar(&retryOut, "out", "", "Write the report to a file (default stdout)")
	retryCmd.Flags().StringVar(&retryOutDir, "out-dir", "", "Write the report and converted SQL to a directory")
}

func runRetry(cmd *cobra.Command, args []string) error {
	target, err := resolveReportTarget(cmd)
	if err != nil {
		return err
	}

	runID := strings.TrimSpace(retryRun)
	if (runID == "") == (len(args) == 0) {
		return errors.New("pass job ids or --run, not both")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close() // nolint:errcheck // best-effort cleanup

	var records []core.ResultRecord
	if runID != "" {
		records, err = outstandingFailures(ctx, b.db, runID)
	} else {
		records, err = failedRecords(ctx, b, args)
	}
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "Nothing to retry.")
		return err
	}

	runIDs := make(map[string]bool)
	jobs := make([]core.Job, 0, len(records))
	for _, record := range records {
		runIDs[record.RunID] = true
		jobs = append(jobs, record.Job().Retry(uuid.NewString()))
	}
	if len(runIDs) > 1 {
		return errors.New("job ids belong to different runs; retry one run at a time")
	}

	scheduler, err := newCLIScheduler(cfg, b)
	if err != nil {
		return err
	}
	scheduler.RunID = records[0].RunID

	observability.CLILogger.Debug("Retrying failed jobs",
		zap.String("run_id", scheduler.RunID),
		zap.Int("jobs", len(jobs)))

	var report *core.RunReport
	var runErr error
	if len(jobs) == 1 {
		report, runErr = convertSingle(ctx, scheduler, jobs[0])
	} else {
		report, runErr = scheduler.Run(ctx, jobs)
	}
	b.saveWindow(context.WithoutCancel(ctx), scheduler.Window())
	if runErr != nil {
		return runErr
	}

	if err := writeReport(cmd.OutOrStdout(), target, "retry-"+report.RunID, report); err != nil {
		return err
	}
	return runFailure(report)
}

// convertSingle retries one job through ConvertOne and reports it like a
// one-job run.
func convertSingle(ctx context.Context, scheduler *engine.Scheduler, job core.Job) (*core.RunReport, error) {
	report := &core.RunReport{
		RunID:     scheduler.RunID,
		Outcome:   core.RunCompleted,
		StartedAt: time.Now().UTC(),
	}

	done, err := scheduler.ConvertOne(ctx, job)
	if err != nil {
		return nil, err
	}
	report.FinishedAt = time.Now().UTC()
	report.Jobs = []core.Job{done}
	if done.StartedAt != nil {
		report.Batches = 1
	}

	switch {
	case done.State == core.JobSuccess:
		report.Succeeded = 1
	case done.Reason == core.ReasonCancelled:
		report.Failed = 1
		report.Outcome = core.RunAborted
	default:
		report.Failed = 1
	}
	return report, nil
}

func failedRecords(ctx context.Context, b *backends, ids []string) ([]core.ResultRecord, error) {
	records := make([]core.ResultRecord, 0, len(ids))
	for _, id := range ids {
		record, err := b.lookupResult(ctx, strings.TrimSpace(id))
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, fmt.Errorf("no stored result for job %s", id)
		}
		if record.State != core.JobFailed {
			return nil, fmt.Errorf("job %s is %s; only failed jobs can be retried", id, record.State)
		}
		records = append(records, *record)
	}
	return records, nil
}

// outstandingFailures returns failed records of a run that no later attempt
// has superseded.
func outstandingFailures(ctx context.Context, db *store.Store, runID string) ([]core.ResultRecord, error) {
	all, err := db.ListResults(ctx, store.ResultQuery{RunID: runID})
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no stored results for run %s", runID)
	}

	retried := make(map[string]bool)
	for _, record := range all {
		if record.RetryOf != "" {
			retried[record.RetryOf] = true
		}
	}

	var out []core.ResultRecord
	for _, record := range all {
		if record.State == core.JobFailed && !retried[record.JobID] {
			out = append(out, record)
		}
	}
	return out, nil
}
