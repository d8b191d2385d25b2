package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders run reports and stored results.
type Formatter interface {
	FormatReport(report *core.RunReport) (string, error)
	FormatResults(records []core.ResultRecord) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &MarkdownFormatter{}
	default:
		return &TableFormatter{}
	}
}

// Outputs renders the converted SQL of every successful job, keyed by job id.
func Outputs(report *core.RunReport) map[string]string {
	if report == nil {
		return nil
	}
	out := make(map[string]string)
	for _, job := range report.Jobs {
		if job.State == core.JobSuccess && job.Result != nil {
			out[job.ID] = job.Result.Output
		}
	}
	return out
}

func marshal(v any, indent bool) (string, error) {
	var (
		data []byte
		err  error
	)
	if indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func stateLabel(job core.Job) string {
	if job.State == core.JobFailed && job.Reason != core.ReasonNone {
		return fmt.Sprintf("%s (%s)", job.State, job.Reason)
	}
	return string(job.State)
}

func jobNotes(job core.Job) string {
	switch job.State {
	case core.JobFailed:
		return truncate(job.Error, 60)
	case core.JobSuccess:
		if job.Result == nil {
			return ""
		}
		notes := make([]string, 0, 3)
		if job.Result.Model != "" {
			notes = append(notes, job.Result.Model)
		}
		if job.Result.Usage != nil && job.Result.Usage.TotalTokens > 0 {
			notes = append(notes, fmt.Sprintf("%d tokens", job.Result.Usage.TotalTokens))
		}
		if job.Result.Duration > 0 {
			notes = append(notes, job.Result.Duration.Round(time.Millisecond).String())
		}
		return strings.Join(notes, ", ")
	default:
		return ""
	}
}

func summaryLine(report *core.RunReport) string {
	line := fmt.Sprintf("%d succeeded, %d failed in %d batch", report.Succeeded, report.Failed, report.Batches)
	if report.Batches != 1 {
		line += "es"
	}
	if wait := report.TotalBackpressure(); wait > 0 {
		line += fmt.Sprintf(", waited %s on the rate limit", wait.Round(time.Second))
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	if limit <= 3 || len(value) <= limit {
		return value
	}
	return value[:limit-3] + "..."
}
