//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	st, err := Open(context.Background(), config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/sqlshift.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func successRecord(jobID, runID string, at time.Time) core.ResultRecord {
	return core.ResultRecord{
		JobID: jobID,
		RunID: runID,
		State: core.JobSuccess,
		Payload: core.Payload{
			Name:          "customers",
			Kind:          core.KindTable,
			Source:        "CREATE TABLE customers (id NUMBER(10));",
			SourceDialect: "oracle",
			TargetDialect: "postgres",
		},
		Result: &core.ConversionOutcome{
			Output: "CREATE TABLE customers (id integer);",
			Model:  "gpt-4o-mini",
			Usage:  &core.TokenUsage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		},
		Attempt: 1,
		Metrics: core.ResultMetrics{
			AdmissionWait: 2 * time.Second,
			Duration:      1500 * time.Millisecond,
		},
		UpdatedAt: at,
	}
}

func TestUpsertAndGetResult(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpsertResult(ctx, successRecord("job-1", "run-1", at)))

	got, err := st.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "run-1", got.RunID)
	require.Equal(t, core.JobSuccess, got.State)
	require.Equal(t, core.KindTable, got.Payload.Kind)
	require.Equal(t, "postgres", got.Payload.TargetDialect)
	require.NotNil(t, got.Result)
	require.Equal(t, "CREATE TABLE customers (id integer);", got.Result.Output)
	require.Equal(t, "gpt-4o-mini", got.Result.Model)
	require.Equal(t, 52, got.Result.Usage.TotalTokens)
	require.Equal(t, 2*time.Second, got.Metrics.AdmissionWait)
	require.Equal(t, 1500*time.Millisecond, got.Metrics.Duration)
	require.True(t, at.Equal(got.UpdatedAt))

	job := got.Job()
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, core.JobSuccess, job.State)
}

func TestUpsertResultReplacesExisting(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpsertResult(ctx, successRecord("job-1", "run-1", at)))

	failed := core.ResultRecord{
		JobID:     "job-1",
		RunID:     "run-1",
		State:     core.JobFailed,
		Reason:    core.ReasonRateLimitExceeded,
		Error:     "rate limit exceeded",
		Payload:   core.Payload{Name: "customers", Source: "x", SourceDialect: "oracle", TargetDialect: "postgres"},
		Attempt:   1,
		UpdatedAt: at.Add(time.Minute),
	}
	require.NoError(t, st.UpsertResult(ctx, failed))

	got, err := st.GetResult(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, got.State)
	require.Equal(t, core.ReasonRateLimitExceeded, got.Reason)
	require.Nil(t, got.Result)

	all, err := st.ListResults(ctx, ResultQuery{})
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetResultMissing(t *testing.T) {
	st := openTestStore(t)

	got, err := st.GetResult(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListResultsFilters(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, st.UpsertResult(ctx, successRecord("a", "run-1", base)))
	require.NoError(t, st.UpsertResult(ctx, successRecord("b", "run-1", base.Add(time.Second))))
	require.NoError(t, st.UpsertResult(ctx, successRecord("c", "run-2", base.Add(2*time.Second))))
	require.NoError(t, st.UpsertResult(ctx, core.ResultRecord{
		JobID:     "d",
		RunID:     "run-2",
		State:     core.JobFailed,
		Reason:    core.ReasonConversionError,
		Payload:   core.Payload{Name: "orders", Source: "y", SourceDialect: "oracle", TargetDialect: "postgres"},
		Attempt:   1,
		UpdatedAt: base.Add(3 * time.Second),
	}))

	byRun, err := st.ListResults(ctx, ResultQuery{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, byRun, 2)
	require.Equal(t, "b", byRun[0].JobID)

	failed, err := st.ListResults(ctx, ResultQuery{State: core.JobFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "d", failed[0].JobID)

	limited, err := st.ListResults(ctx, ResultQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "d", limited[0].JobID)
}

func TestRateLimitWindowRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	missing, err := st.GetRateLimit(ctx, "convert")
	require.NoError(t, err)
	require.Nil(t, missing)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	last := start.Add(8 * time.Second)
	window := core.RateLimitWindow{
		Count:          4,
		WindowStart:    start,
		WindowEnd:      start.Add(time.Minute),
		LastAdmittedAt: &last,
	}
	require.NoError(t, st.UpdateRateLimit(ctx, "convert", window))

	got, err := st.GetRateLimit(ctx, "convert")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 4, got.Count)
	require.True(t, start.Equal(got.WindowStart))
	require.True(t, start.Add(time.Minute).Equal(got.WindowEnd))
	require.NotNil(t, got.LastAdmittedAt)
	require.True(t, last.Equal(*got.LastAdmittedAt))

	window.Count = 5
	window.LastAdmittedAt = nil
	require.NoError(t, st.UpdateRateLimit(ctx, "convert", window))
	got, err = st.GetRateLimit(ctx, "convert")
	require.NoError(t, err)
	require.Equal(t, 5, got.Count)
	require.Nil(t, got.LastAdmittedAt)
}

func TestRateLimitAdmin(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, endpoint := range []string{"convert", "convert:staging", "other"} {
		require.NoError(t, st.UpdateRateLimit(ctx, endpoint, core.RateLimitWindow{
			Count:       1,
			WindowStart: start,
			WindowEnd:   start.Add(time.Minute),
		}))
	}

	entries, err := st.ListRateLimits(ctx, RateLimitQuery{Prefix: "convert"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "convert", entries[0].Endpoint)
	require.Equal(t, 1, entries[0].Window.Count)

	count, err := st.CountRateLimits(ctx, RateLimitQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 3, count)

	removed, err := st.ResetRateLimits(ctx, RateLimitQuery{Endpoint: "other"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	_, err = st.ListRateLimits(ctx, RateLimitQuery{})
	require.Error(t, err)
}
