package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/ascii"
	"github.com/spf13/cobra"

	"github.com/sqlshift/sqlshift/internal/core/store"
	"github.com/sqlshift/sqlshift/internal/output"
)

var (
	rateLimitPrefix   string
	rateLimitAll      bool
	rateLimitEndpoint string
	rateLimitYes      bool
	rateLimitDryRun   bool
)

var rateLimitCmd = &cobra.Command{
	Use:   "rate-limit",
	Short: "Inspect or clear the rate limit windows recorded after each run",
}

var rateLimitListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the last recorded window per provider endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := rateLimitTarget(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		cfg, err := loadConfig(ctx)
		if err != nil {
			return err
		}
		db, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		query := store.RateLimitQuery{Prefix: strings.TrimSpace(rateLimitPrefix)}
		query.All = query.Prefix == ""
		entries, err := db.ListRateLimits(ctx, query)
		if err != nil {
			return err
		}

		now := time.Now()
		views := make([]rateLimitView, 0, len(entries))
		for _, entry := range entries {
			views = append(views, newRateLimitView(entry, cfg.Scheduler.MaxRequests, now))
		}

		var rendered string
		if target.format == output.FormatJSON {
			payload, err := json.MarshalIndent(views, "", "  ")
			if err != nil {
				return err
			}
			rendered = string(payload)
		} else {
			rendered = renderRateLimits(views)
		}
		return target.write(cmd.OutOrStdout(), "rate-limit-list", rendered)
	},
}

var rateLimitResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete recorded rate limit windows",
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := rateLimitTarget(cmd)
		if err != nil {
			return err
		}

		query := store.RateLimitQuery{
			All:      rateLimitAll,
			Endpoint: strings.TrimSpace(rateLimitEndpoint),
			Prefix:   strings.TrimSpace(rateLimitPrefix),
		}
		if err := query.Validate(); err != nil {
			return err
		}
		if query.All && !rateLimitYes && !rateLimitDryRun {
			return errors.New("--all requires --yes (or use --dry-run)")
		}

		ctx := cmd.Context()
		db, err := openStoreFromConfig(ctx)
		if err != nil {
			return err
		}
		defer db.Close() // nolint:errcheck // best-effort cleanup

		result := rateLimitResetResult{DryRun: rateLimitDryRun}
		if result.Matched, err = db.CountRateLimits(ctx, query); err != nil {
			return err
		}
		if !result.DryRun {
			if result.Deleted, err = db.ResetRateLimits(ctx, query); err != nil {
				return err
			}
		}

		rendered := result.String()
		if target.format == output.FormatJSON {
			payload, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			rendered = string(payload)
		}
		return target.write(cmd.OutOrStdout(), "rate-limit-reset", rendered)
	},
}

// rateLimitView is a recorded window as seen now against the configured
// ceiling.
type rateLimitView struct {
	Endpoint       string     `json:"endpoint"`
	Count          int        `json:"count"`
	Limit          int        `json:"limit"`
	Remaining      int        `json:"remaining"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	LastAdmittedAt *time.Time `json:"last_admitted_at,omitempty"`
	Expired        bool       `json:"expired"`
	ResetsIn       string     `json:"resets_in,omitempty"`
}

func newRateLimitView(entry store.RateLimitEntry, limit int, now time.Time) rateLimitView {
	w := entry.Window
	view := rateLimitView{
		Endpoint:       entry.Endpoint,
		Count:          w.Count,
		Limit:          limit,
		WindowStart:    w.WindowStart.UTC(),
		WindowEnd:      w.WindowEnd.UTC(),
		LastAdmittedAt: w.LastAdmittedAt,
		Expired:        !now.Before(w.WindowEnd),
	}
	if view.Expired {
		view.Remaining = limit
		return view
	}
	view.Remaining = max(limit-w.Count, 0)
	view.ResetsIn = w.WindowEnd.Sub(now).Round(time.Second).String()
	return view
}

func (v rateLimitView) line() string {
	last := "-"
	if v.LastAdmittedAt != nil {
		last = v.LastAdmittedAt.UTC().Format(time.RFC3339)
	}
	status := "expired"
	if !v.Expired {
		status = "resets in " + v.ResetsIn
	}
	return fmt.Sprintf("%s: %d/%d used, %d remaining, window %s..%s, last admitted %s (%s)",
		v.Endpoint,
		v.Count,
		v.Limit,
		v.Remaining,
		v.WindowStart.Format(time.RFC3339),
		v.WindowEnd.Format(time.RFC3339),
		last,
		status)
}

func renderRateLimits(views []rateLimitView) string {
	lines := []string{"Rate Limits", ""}
	if len(views) == 0 {
		lines = append(lines, "(no recorded rate limit windows)")
	}
	for _, view := range views {
		lines = append(lines, view.line())
	}
	return strings.TrimRight(ascii.DrawBox(strings.Join(lines, "\n"), 0), "\n")
}

type rateLimitResetResult struct {
	Matched int   `json:"matched"`
	Deleted int64 `json:"deleted"`
	DryRun  bool  `json:"dry_run"`
}

func (r rateLimitResetResult) String() string {
	if r.DryRun {
		return fmt.Sprintf("Would clear %d recorded rate limit window(s)", r.Matched)
	}
	return fmt.Sprintf("Cleared %d/%d recorded rate limit window(s)", r.Deleted, r.Matched)
}

func rateLimitTarget(cmd *cobra.Command) (reportTarget, error) {
	target, err := resolveReportTarget(cmd)
	if err != nil {
		return target, err
	}
	if target.format != output.FormatJSON && target.format != output.FormatTable {
		return target, fmt.Errorf("unsupported output format: %s", target.format)
	}
	return target, nil
}

func init() {
	for _, c := range []*cobra.Command{rateLimitListCmd, rateLimitResetCmd} {
		c.Flags().String("output-format", string(output.FormatTable), "Output format: table|json")
		c.Flags().String("out", "", "Write output to a file (default stdout)")
		c.Flags().String("out-dir", "", "Write output to a directory")
		c.Flags().StringVar(&rateLimitPrefix, "prefix", "", "Only endpoints with this prefix")
	}
	rateLimitResetCmd.Flags().BoolVar(&rateLimitAll, "all", false, "Reset every endpoint")
	rateLimitResetCmd.Flags().StringVar(&rateLimitEndpoint, "endpoint", "", "Reset a single endpoint (exact match)")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitYes, "yes", false, "Confirm resetting every endpoint")
	rateLimitResetCmd.Flags().BoolVar(&rateLimitDryRun, "dry-run", false, "Count matching windows without deleting")

	rateLimitCmd.AddCommand(rateLimitListCmd)
	rateLimitCmd.AddCommand(rateLimitResetCmd)
	rootCmd.AddCommand(rateLimitCmd)
}
