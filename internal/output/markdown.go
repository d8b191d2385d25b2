package output

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// MarkdownFormatter renders results as markdown.
type MarkdownFormatter struct{}

// FormatReport renders a run report as Markdown, including converted SQL.
func (f *MarkdownFormatter) FormatReport(report *core.RunReport) (string, error) {
	if report == nil {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Run %s\n\n", escapeMarkdownCell(report.RunID)))
	sb.WriteString(fmt.Sprintf("**Outcome**: %s, %s\n\n", report.Outcome, summaryLine(report)))
	sb.WriteString("| Job | Name | Kind | State | Attempt | Notes |\n")
	sb.WriteString("|-----|------|------|-------|---------|-------|\n")

	for _, job := range report.Jobs {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d | %s |\n",
			escapeMarkdownCell(job.ID),
			escapeMarkdownCell(job.Payload.Name),
			escapeMarkdownCell(string(job.Payload.Kind)),
			escapeMarkdownCell(stateLabel(job)),
			job.Attempt,
			escapeMarkdownCell(jobNotes(job)),
		))
	}

	if reasons := report.FailureReasons(); len(reasons) > 0 {
		sb.WriteString("\n### Failures\n\n")
		keys := make([]string, 0, len(reasons))
		for reason := range reasons {
			keys = append(keys, string(reason))
		}
		sort.Strings(keys)
		for _, key := range keys {
			sb.WriteString(fmt.Sprintf("- **%s**: %d\n", key, len(reasons[core.FailureReason(key)])))
		}
	}

	for _, job := range report.Jobs {
		if job.State != core.JobSuccess || job.Result == nil {
			continue
		}
		sb.WriteString(fmt.Sprintf("\n### %s\n\n", job.Payload.Name))
		sb.WriteString(fmt.Sprintf("```sql\n-- %s -> %s\n%s\n```\n", job.Payload.SourceDialect, job.Payload.TargetDialect, strings.TrimRight(job.Result.Output, "\n")))
	}

	return sb.String(), nil
}

// FormatResults renders stored results as a Markdown table.
func (f *MarkdownFormatter) FormatResults(records []core.ResultRecord) (string, error) {
	var sb strings.Builder
	sb.WriteString("| Job | Run | Name | State | Attempt | Updated |\n")
	sb.WriteString("|-----|-----|------|-------|---------|---------|\n")
	for _, record := range records {
		sb.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %d | %s |\n",
			escapeMarkdownCell(record.JobID),
			escapeMarkdownCell(record.RunID),
			escapeMarkdownCell(record.Payload.Name),
			escapeMarkdownCell(stateLabel(record.Job())),
			record.Attempt,
			record.UpdatedAt.UTC().Format(time.RFC3339),
		))
	}
	return sb.String(), nil
}

func escapeMarkdownCell(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}
