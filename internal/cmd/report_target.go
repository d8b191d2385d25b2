package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/output"
)

// reportTarget is where a command renders its output. With a directory the
// file name derives from a stem and converted SQL lands next to the report.
type reportTarget struct {
	format output.Format
	path   string
	dir    string
}

var nonFilename = regexp.MustCompile(`[^a-z0-9._-]+`)

// resolveReportTarget reads --output-format, --out and --out-dir. Commands
// may omit the file flags.
func resolveReportTarget(cmd *cobra.Command) (reportTarget, error) {
	var target reportTarget

	value, err := cmd.Flags().GetString("output-format")
	if err != nil {
		return target, err
	}
	if target.format, err = output.ParseFormat(value); err != nil {
		return target, err
	}

	target.path = stringFlag(cmd, "out")
	target.dir = stringFlag(cmd, "out-dir")
	if target.path != "" && target.dir != "" {
		return target, errors.New("--out and --out-dir are mutually exclusive")
	}
	if target.dir != "" {
		if err := os.MkdirAll(target.dir, 0755); err != nil {
			return target, fmt.Errorf("create output directory: %w", err)
		}
		if abs, err := filepath.Abs(target.dir); err == nil {
			target.dir = abs
		}
	}
	return target, nil
}

func stringFlag(cmd *cobra.Command, name string) string {
	if cmd.Flags().Lookup(name) == nil {
		return ""
	}
	value, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(value)
}

// fileFor returns the file the output for stem goes to; empty means stdout.
func (t reportTarget) fileFor(stem string) string {
	if t.dir != "" {
		return filepath.Join(t.dir, sanitizeFilename(stem)+"."+outputExtension(t.format))
	}
	if t.path == "-" {
		return ""
	}
	return t.path
}

func (t reportTarget) write(stdout io.Writer, stem, rendered string) error {
	path := t.fileFor(stem)
	if path == "" {
		_, err := fmt.Fprintln(stdout, rendered)
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	// #nosec G306 -- reports hold converted SQL, not secrets
	if err := os.WriteFile(path, []byte(rendered+"\n"), 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeReport renders a run report and, for directory targets, the
// converted SQL of every successful job.
func writeReport(stdout io.Writer, target reportTarget, stem string, report *core.RunReport) error {
	rendered, err := output.NewFormatter(target.format).FormatReport(report)
	if err != nil {
		return err
	}
	if target.dir != "" {
		if err := writeConvertedSQL(target.dir, report); err != nil {
			return err
		}
	}
	return target.write(stdout, stem, rendered)
}

// writeConvertedSQL writes each successful job's output as <name>.sql.
func writeConvertedSQL(dir string, report *core.RunReport) error {
	used := make(map[string]bool)
	for _, job := range report.Jobs {
		if job.State != core.JobSuccess || job.Result == nil {
			continue
		}
		name := sanitizeFilename(job.Payload.Name)
		if used[name] {
			name = name + "-" + sanitizeFilename(job.ID)
		}
		used[name] = true

		path := filepath.Join(dir, name+".sql")
		// #nosec G306 -- converted SQL is not secret
		if err := os.WriteFile(path, []byte(strings.TrimRight(job.Result.Output, "\n")+"\n"), 0644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}

func outputExtension(format output.Format) string {
	switch format {
	case output.FormatJSON:
		return "json"
	case output.FormatMarkdown:
		return "md"
	default:
		return "txt"
	}
}

func sanitizeFilename(value string) string {
	clean := strings.ToLower(strings.TrimSpace(value))
	clean = nonFilename.ReplaceAllString(clean, "-")
	clean = strings.Trim(clean, "-.")
	if clean == "" {
		return "output"
	}
	return clean
}
