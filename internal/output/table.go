package output

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/sqlshift/sqlshift/internal/core"
)

// TableFormatter renders results as an ASCII table.
type TableFormatter struct{}

// FormatReport renders a run report as a table.
func (f *TableFormatter) FormatReport(report *core.RunReport) (string, error) {
	if report == nil {
		return "", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("Run %s (%s)", shortID(report.RunID), report.Outcome))
	t.AppendHeader(table.Row{"Job", "Name", "Kind", "State", "Attempt", "Notes"})

	for _, job := range report.Jobs {
		t.AppendRow(table.Row{
			shortID(job.ID),
			job.Payload.Name,
			string(job.Payload.Kind),
			stateLabel(job),
			job.Attempt,
			jobNotes(job),
		})
	}

	t.AppendFooter(table.Row{"", "", "", summaryLine(report), "", ""})
	return t.Render(), nil
}

// FormatResults renders stored results as a table.
func (f *TableFormatter) FormatResults(records []core.ResultRecord) (string, error) {
	if len(records) == 0 {
		return "No results found.", nil
	}

	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Job", "Run", "Name", "State", "Attempt", "Updated", "Notes"})

	for _, record := range records {
		job := record.Job()
		t.AppendRow(table.Row{
			shortID(record.JobID),
			shortID(record.RunID),
			record.Payload.Name,
			stateLabel(job),
			record.Attempt,
			record.UpdatedAt.Local().Format(time.DateTime),
			jobNotes(job),
		})
	}

	t.AppendFooter(table.Row{"", "", "", fmt.Sprintf("%d results", len(records)), "", "", ""})
	return t.Render(), nil
}
