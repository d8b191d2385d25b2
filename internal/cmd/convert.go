package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/ailink"
	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
	"github.com/sqlshift/sqlshift/internal/manifest"
	"github.com/sqlshift/sqlshift/internal/metrics"
	"github.com/sqlshift/sqlshift/internal/observability"
	"github.com/sqlshift/sqlshift/internal/output"
)

var (
	convertManifest      string
	convertSourceDialect string
	convertTargetDialect string
	convertKind          string
	convertProgress      bool
	convertBatchSize     int
	convertMaxRequests   int
	convertOutput        string
	convertOut           string
	convertOutDir        string
)

var convertCmd = &cobra.Command{
	Use:   "convert [files...]",
	Short: "Convert SQL files or a job manifest within the provider rate limit",
	Long: `Convert SQL objects to another dialect. Jobs come from a YAML manifest
(--manifest) or from SQL files given as arguments ("-" reads stdin).

Jobs are dispatched in batches that never exceed the configured request
quota. When the quota is spent the run waits for the window to reset.
The command exits non-zero when any job fails.`,
	Example: `  sqlshift convert --manifest jobs.yaml --out-dir converted/
  sqlshift convert --source-dialect oracle --target-dialect postgres schema/*.sql`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().StringVarP(&convertManifest, "manifest", "m", "", "YAML job manifest")
	convertCmd.Flags().StringVar(&convertSourceDialect, "source-dialect", "", "Source SQL dialect (overrides the manifest)")
	convertCmd.Flags().StringVar(&convertTargetDialect, "target-dialect", "", "Target SQL dialect (overrides the manifest)")
	convertCmd.Flags().StringVar(&convertKind, "kind", "", "Object kind: table|view|procedure|query")
	convertCmd.Flags().BoolVar(&convertProgress, "progress", true, "Show a progress bar on stderr")
	convertCmd.Flags().IntVar(&convertBatchSize, "batch-size", 0, "Override scheduler.batch_size")
	convertCmd.Flags().IntVar(&convertMaxRequests, "max-requests", 0, "Override scheduler.max_requests")
	convertCmd.Flags().StringVar(&convertOutput, "output-format", string(output.FormatTable), "Output format: table|json|markdown")
	convertCmd.Flags().StringVar(&convertOut, "out", "", "Write the report to a file (default stdout)")
	convertCmd.Flags().StringVar(&convertOutDir, "out-dir", "", "Write the report and one .sql file per converted job to a directory")
}

func runConvert(cmd *cobra.Command, args []string) error {
	target, err := resolveReportTarget(cmd)
	if err != nil {
		return err
	}

	jobs, err := convertJobs(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, schedulerOverrides(convertBatchSize, convertMaxRequests))
	if err != nil {
		return err
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close() // nolint:errcheck // best-effort cleanup

	scheduler, err := newCLIScheduler(cfg, b)
	if err != nil {
		return err
	}
	if convertProgress {
		scheduler.Notifier = newProgressNotifier(len(jobs), cmd.ErrOrStderr())
	}

	observability.CLILogger.Debug("Starting conversion run",
		zap.String("run_id", scheduler.RunID),
		zap.Int("jobs", len(jobs)))

	report, runErr := scheduler.Run(ctx, jobs)
	b.saveWindow(context.WithoutCancel(ctx), scheduler.Window())
	if runErr != nil {
		return runErr
	}

	if err := writeReport(cmd.OutOrStdout(), target, "run-"+report.RunID, report); err != nil {
		return err
	}

	return runFailure(report)
}

func convertJobs(cmd *cobra.Command, args []string) ([]core.Job, error) {
	defaults := manifest.Defaults{
		Kind:          core.ObjectKind(strings.ToLower(strings.TrimSpace(convertKind))),
		SourceDialect: strings.TrimSpace(convertSourceDialect),
		TargetDialect: strings.TrimSpace(convertTargetDialect),
	}

	path := strings.TrimSpace(convertManifest)
	var (
		items []manifest.Item
		err   error
	)
	switch {
	case path != "" && len(args) > 0:
		return nil, errors.New("--manifest and file arguments are mutually exclusive")
	case path != "":
		m, lerr := manifest.Load(path)
		if lerr != nil {
			return nil, lerr
		}
		items, err = m.Items(defaults)
	default:
		items, err = manifest.FromFiles(args, cmd.InOrStdin(), defaults)
	}
	if err != nil {
		return nil, err
	}
	return manifest.Jobs(items), nil
}

// schedulerOverrides turns non-zero flag values into config overrides.
func schedulerOverrides(batchSize, maxRequests int) map[string]any {
	section := map[string]any{}
	if batchSize > 0 {
		section["batch_size"] = batchSize
	}
	if maxRequests > 0 {
		section["max_requests"] = maxRequests
	}
	if len(section) == 0 {
		return nil
	}
	return map[string]any{"scheduler": section}
}

func newCLIScheduler(cfg *config.Config, b *backends) (*engine.Scheduler, error) {
	converter := ailink.NewConverter(cfg.AILink, observability.CLILogger)
	scheduler, err := engine.NewScheduler(cfg.Scheduler.Engine(), converter)
	if err != nil {
		return nil, err
	}
	scheduler.Sink = b.sink
	scheduler.Recorder = metrics.Recorder{}
	scheduler.Logger = observability.CLILogger
	return scheduler, nil
}

// runFailure maps a finished report to the command's error result.
func runFailure(report *core.RunReport) error {
	switch {
	case report == nil:
		return nil
	case report.Outcome == core.RunAborted:
		return fmt.Errorf("run %s aborted: %d succeeded, %d failed", report.RunID, report.Succeeded, report.Failed)
	case report.Failed > 0:
		return fmt.Errorf("run %s: %d of %d jobs failed", report.RunID, report.Failed, len(report.Jobs))
	default:
		return nil
	}
}
