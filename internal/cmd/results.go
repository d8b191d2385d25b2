package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/store"
	"github.com/sqlshift/sqlshift/internal/output"
)

var (
	resultsRun   string
	resultsState string
	resultsLimit int
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Inspect persisted conversion results",
}

var resultsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored results, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolveReportTarget(cmd)
		if err != nil {
			return err
		}

		state := core.JobState(strings.ToLower(strings.TrimSpace(resultsState)))
		switch state {
		case "", core.JobPending, core.JobConverting, core.JobSuccess, core.JobFailed:
		default:
			return fmt.Errorf("unknown state %q", resultsState)
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		runID := strings.TrimSpace(resultsRun)
		var records []core.ResultRecord
		if !cfg.Results.Enabled(config.SinkStore) && b.redis != nil && runID != "" {
			records, err = b.redis.ListRun(ctx, runID)
			records = filterState(records, state, resultsLimit)
		} else {
			records, err = b.db.ListResults(ctx, store.ResultQuery{RunID: runID, State: state, Limit: resultsLimit})
		}
		if err != nil {
			return err
		}

		rendered, err := output.NewFormatter(target.format).FormatResults(records)
		if err != nil {
			return err
		}
		return target.write(cmd.OutOrStdout(), "results", rendered)
	},
}

var resultsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Print the converted SQL (or the failure) of one job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := resolveReportTarget(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		b, err := openBackends(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close() // nolint:errcheck // best-effort cleanup

		record, err := b.lookupResult(ctx, strings.TrimSpace(args[0]))
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("no stored result for job %s", args[0])
		}

		w := cmd.OutOrStdout()
		if target.format == output.FormatJSON {
			rendered, err := output.NewFormatter(target.format).FormatResults([]core.ResultRecord{*record})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, rendered)
			return err
		}

		if record.State != core.JobSuccess || record.Result == nil {
			return errors.New(failureSummary(*record))
		}
		_, err = fmt.Fprintln(w, strings.TrimRight(record.Result.Output, "\n"))
		return err
	},
}

func failureSummary(record core.ResultRecord) string {
	msg := fmt.Sprintf("job %s is %s", record.JobID, record.State)
	if record.Reason != core.ReasonNone {
		msg += fmt.Sprintf(" (%s)", record.Reason)
	}
	if record.Error != "" {
		msg += ": " + record.Error
	}
	return msg
}

func filterState(records []core.ResultRecord, state core.JobState, limit int) []core.ResultRecord {
	out := make([]core.ResultRecord, 0, len(records))
	for _, record := range records {
		if state != "" && record.State != state {
			continue
		}
		out = append(out, record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func init() {
	resultsListCmd.Flags().StringVar(&resultsRun, "run", "", "Only results of this run")
	resultsListCmd.Flags().StringVar(&resultsState, "state", "", "Only results in this state: success|failed")
	resultsListCmd.Flags().IntVar(&resultsLimit, "limit", 50, "Maximum results to list (0 for all)")
	resultsListCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json|markdown")
	resultsListCmd.Flags().String("out", "", "Write output to a file (default stdout)")
	resultsListCmd.Flags().String("out-dir", "", "Write output to a directory")

	resultsShowCmd.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")

	resultsCmd.AddCommand(resultsListCmd)
	resultsCmd.AddCommand(resultsShowCmd)
	rootCmd.AddCommand(resultsCmd)
}
