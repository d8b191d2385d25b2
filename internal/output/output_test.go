package output

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
)

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("table")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	format, err = ParseFormat("JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, format)

	format, err = ParseFormat("md")
	require.NoError(t, err)
	require.Equal(t, FormatMarkdown, format)

	format, err = ParseFormat("")
	require.NoError(t, err)
	require.Equal(t, FormatTable, format)

	_, err = ParseFormat("csv")
	require.Error(t, err)
}

func sampleReport() *core.RunReport {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &core.RunReport{
		RunID:   "run-0123456789",
		Outcome: core.RunCompleted,
		Jobs: []core.Job{
			{
				ID:      "job-customers",
				Payload: core.Payload{Name: "customers", Kind: core.KindTable, SourceDialect: "oracle", TargetDialect: "postgres"},
				State:   core.JobSuccess,
				Attempt: 1,
				Result: &core.ConversionOutcome{
					Output:   "CREATE TABLE customers (id bigint);",
					Model:    "gpt-4o-mini",
					Usage:    &core.TokenUsage{TotalTokens: 42},
					Duration: 1500 * time.Millisecond,
				},
			},
			{
				ID:      "job-orders",
				Payload: core.Payload{Name: "orders", Kind: core.KindView},
				State:   core.JobFailed,
				Reason:  core.ReasonRateLimitExceeded,
				Error:   "rate limit exceeded | window full",
				Attempt: 2,
			},
		},
		Succeeded:         1,
		Failed:            1,
		Batches:           2,
		BackpressureWaits: []time.Duration{30 * time.Second},
		StartedAt:         started,
		FinishedAt:        started.Add(time.Minute),
	}
}

func TestJSONFormatterReport(t *testing.T) {
	rendered, err := NewFormatter(FormatJSON).FormatReport(sampleReport())
	require.NoError(t, err)

	var decoded core.RunReport
	require.NoError(t, json.Unmarshal([]byte(rendered), &decoded))
	require.Equal(t, "run-0123456789", decoded.RunID)
	require.Len(t, decoded.Jobs, 2)
	require.Equal(t, core.ReasonRateLimitExceeded, decoded.Jobs[1].Reason)
}

func TestTableFormatterReport(t *testing.T) {
	rendered, err := NewFormatter(FormatTable).FormatReport(sampleReport())
	require.NoError(t, err)
	require.Contains(t, rendered, "Run run-0123 (completed)")
	require.Contains(t, rendered, "customers")
	require.Contains(t, rendered, "gpt-4o-mini, 42 tokens, 1.5s")
	require.Contains(t, rendered, "failed (rate_limit_exceeded)")
	require.Contains(t, strings.ToLower(rendered), "1 succeeded, 1 failed in 2 batches, waited 30s on the rate limit")
}

func TestMarkdownFormatterReport(t *testing.T) {
	rendered, err := NewFormatter(FormatMarkdown).FormatReport(sampleReport())
	require.NoError(t, err)
	require.Contains(t, rendered, "## Run run-0123456789")
	require.Contains(t, rendered, "rate limit exceeded \\| window full")
	require.Contains(t, rendered, "- **rate_limit_exceeded**: 1")
	require.Contains(t, rendered, "```sql\n-- oracle -> postgres\nCREATE TABLE customers (id bigint);\n```")
	require.NotContains(t, rendered, "### orders")
}

func TestFormatResults(t *testing.T) {
	records := []core.ResultRecord{
		core.RecordFromJob(sampleReport().Jobs[1], core.ResultMetrics{}, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)),
	}
	records[0].RunID = "run-0123456789"

	table, err := NewFormatter(FormatTable).FormatResults(records)
	require.NoError(t, err)
	require.Contains(t, table, "orders")
	require.Contains(t, strings.ToLower(table), "1 results")

	empty, err := NewFormatter(FormatTable).FormatResults(nil)
	require.NoError(t, err)
	require.Equal(t, "No results found.", empty)

	md, err := NewFormatter(FormatMarkdown).FormatResults(records)
	require.NoError(t, err)
	require.Contains(t, md, "| job-orders | run-0123456789 | orders | failed (rate_limit_exceeded) | 2 | 2026-03-01T12:05:00Z |")

	js, err := NewFormatter(FormatJSON).FormatResults(nil)
	require.NoError(t, err)
	require.Equal(t, "[]", js)
}

func TestOutputs(t *testing.T) {
	outputs := Outputs(sampleReport())
	require.Equal(t, map[string]string{"job-customers": "CREATE TABLE customers (id bigint);"}, outputs)
	require.Nil(t, Outputs(nil))
}
