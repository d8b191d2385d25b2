package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
)

func TestKeys(t *testing.T) {
	sink := New(nil, " shift: ", time.Hour)
	require.Equal(t, "shift:result:job-1", sink.ResultKey("job-1"))
	require.Equal(t, "shift:run:run-1", sink.RunKey("run-1"))

	sink = New(nil, "", 0)
	require.Equal(t, "sqlshift:result:job-1", sink.ResultKey("job-1"))
}

func TestOpenRequiresAddr(t *testing.T) {
	_, err := Open(context.Background(), config.RedisConfig{})
	require.Error(t, err)
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Open(ctx, config.RedisConfig{Addr: "127.0.0.1:1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ping redis")
}

func TestUninitializedSink(t *testing.T) {
	var sink *Sink
	require.Error(t, sink.UpsertResult(context.Background(), core.ResultRecord{JobID: "a"}))
	_, err := sink.GetResult(context.Background(), "a")
	require.Error(t, err)
	require.NoError(t, sink.Close())
}

// Runs against a live server when SQLSHIFT_TEST_REDIS_ADDR is set.
func TestSinkRoundTrip(t *testing.T) {
	addr := os.Getenv("SQLSHIFT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SQLSHIFT_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	prefix := "sqlshift-test-" + uuid.NewString()
	sink, err := Open(ctx, config.RedisConfig{Addr: addr, KeyPrefix: prefix, TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	runID := uuid.NewString()
	records := []core.ResultRecord{
		{
			JobID:   "b",
			RunID:   runID,
			State:   core.JobSuccess,
			Payload: core.Payload{Name: "orders", SourceDialect: "oracle", TargetDialect: "postgres"},
			Result:  &core.ConversionOutcome{Output: "SELECT 1;"},
			Attempt: 1,
		},
		{
			JobID:   "a",
			RunID:   runID,
			State:   core.JobFailed,
			Reason:  core.ReasonConversionError,
			Error:   "conversion failed",
			Attempt: 1,
		},
	}
	for _, record := range records {
		require.NoError(t, sink.UpsertResult(ctx, record))
	}

	got, err := sink.GetResult(ctx, "b")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "SELECT 1;", got.Result.Output)

	missing, err := sink.GetResult(ctx, "zzz")
	require.NoError(t, err)
	require.Nil(t, missing)

	listed, err := sink.ListRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	require.Equal(t, "a", listed[0].JobID)
	require.Equal(t, core.ReasonConversionError, listed[0].Reason)

	ttl, err := sink.client.TTL(ctx, sink.RunKey(runID)).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, sink.client.Del(ctx, sink.ResultKey("a"), sink.ResultKey("b"), sink.RunKey(runID)).Err())
}
