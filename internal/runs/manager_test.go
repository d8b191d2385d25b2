package runs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
)

func testOptions(converter engine.ConverterFunc) Options {
	return Options{
		Scheduler: engine.SchedulerConfig{
			Limit:        core.RateLimitConfig{MaxRequests: 10, Window: time.Second},
			BatchSize:    5,
			PollInterval: time.Millisecond,
		},
		Converter: converter,
	}
}

func okConverter(_ context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
	return &core.ConversionOutcome{Output: "-- " + payload.Name}, nil
}

func jobs(names ...string) []core.Job {
	out := make([]core.Job, 0, len(names))
	for _, name := range names {
		out = append(out, core.NewJob(name, core.Payload{
			Name:          name,
			Source:        "SELECT 1",
			SourceDialect: "oracle",
			TargetDialect: "postgres",
		}))
	}
	return out
}

func waitIdle(t *testing.T, session *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return !session.Active() }, 2*time.Second, 5*time.Millisecond)
}

func TestManagerRunsToCompletion(t *testing.T) {
	var finished atomic.Int32
	opts := testOptions(okConverter)
	opts.OnFinished = func(_ context.Context, _ *Session) { finished.Add(1) }

	m, err := NewManager(opts)
	require.NoError(t, err)

	session, err := m.Start(jobs("a", "b", "c"))
	require.NoError(t, err)

	report, err := session.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RunCompleted, report.Outcome)
	require.Equal(t, 3, report.Succeeded)
	require.Equal(t, session.ID, report.RunID)

	waitIdle(t, session)
	require.Equal(t, int32(1), finished.Load())

	status := session.Status(true)
	require.Equal(t, core.SchedulerIdle, status.State)
	require.Equal(t, 3, status.Counts[core.JobSuccess])
	require.Len(t, status.Jobs, 3)
	require.NotNil(t, status.FinishedAt)

	history := session.Events().History()
	require.NotEmpty(t, history)
	require.Equal(t, core.EventRunCompleted, history[len(history)-1].Kind)

	listed := m.List()
	require.Len(t, listed, 1)
	require.Empty(t, listed[0].Jobs)
}

func TestManagerRejectsEmptyRun(t *testing.T) {
	m, err := NewManager(testOptions(okConverter))
	require.NoError(t, err)

	_, err = m.Start(nil)
	require.ErrorIs(t, err, ErrNoJobs)
}

func TestNewManagerValidates(t *testing.T) {
	opts := testOptions(okConverter)
	opts.Scheduler.BatchSize = 0
	_, err := NewManager(opts)
	require.Error(t, err)

	opts = testOptions(nil)
	opts.Converter = nil
	_, err = NewManager(opts)
	require.Error(t, err)
}

func TestManagerRetry(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	converter := func(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
		if payload.Name == "slow" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if payload.Name == "flaky" && calls.Add(1) == 1 {
			return nil, errors.New("model refused")
		}
		return &core.ConversionOutcome{Output: "ok"}, nil
	}

	m, err := NewManager(testOptions(converter))
	require.NoError(t, err)

	session, err := m.Start(jobs("flaky", "slow"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, ok := session.Job("flaky")
		return ok && job.State == core.JobFailed
	}, 2*time.Second, 5*time.Millisecond)

	_, err = m.Retry(session.ID, "flaky")
	require.ErrorIs(t, err, ErrRunActive)

	close(release)
	_, err = session.Wait(context.Background())
	require.NoError(t, err)
	waitIdle(t, session)

	_, err = m.Retry(session.ID, "slow")
	require.ErrorIs(t, err, ErrJobNotFailed)
	_, err = m.Retry(session.ID, "missing")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Retry("nope", "flaky")
	require.ErrorIs(t, err, ErrRunNotFound)

	next, err := m.Retry(session.ID, "flaky")
	require.NoError(t, err)
	require.Equal(t, core.JobPending, next.State)
	require.Equal(t, "flaky", next.RetryOf)
	require.Equal(t, 2, next.Attempt)

	waitIdle(t, session)
	retried, ok := session.Job(next.ID)
	require.True(t, ok)
	require.Equal(t, core.JobSuccess, retried.State)

	original, ok := session.Job("flaky")
	require.True(t, ok)
	require.Equal(t, core.JobFailed, original.State)
}

func TestManagerCancel(t *testing.T) {
	converter := func(ctx context.Context, _ core.Payload) (*core.ConversionOutcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	m, err := NewManager(testOptions(converter))
	require.NoError(t, err)

	session, err := m.Start(jobs("a", "b"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return session.Status(false).State == core.SchedulerRunning
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, m.Cancel(session.ID))
	report, err := session.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, core.RunAborted, report.Outcome)
	require.Equal(t, 2, report.Failed)

	require.ErrorIs(t, m.Cancel("nope"), ErrRunNotFound)
}

func TestManagerEvictsOldestIdle(t *testing.T) {
	opts := testOptions(okConverter)
	opts.MaxSessions = 2
	m, err := NewManager(opts)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 3; i++ {
		session, err := m.Start(jobs("a"))
		require.NoError(t, err)
		_, err = session.Wait(context.Background())
		require.NoError(t, err)
		waitIdle(t, session)
		ids = append(ids, session.ID)
		time.Sleep(time.Millisecond)
	}

	_, err = m.Get(ids[0])
	require.ErrorIs(t, err, ErrRunNotFound)
	_, err = m.Get(ids[2])
	require.NoError(t, err)
	require.Len(t, m.List(), 2)
}

func TestManagerShutdown(t *testing.T) {
	converter := func(ctx context.Context, _ core.Payload) (*core.ConversionOutcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	m, err := NewManager(testOptions(converter))
	require.NoError(t, err)

	require.NoError(t, m.CheckHealth(context.Background()))

	session, err := m.Start(jobs("a"))
	require.NoError(t, err)
	require.Equal(t, 1, m.ActiveRuns())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.Error(t, m.CheckHealth(context.Background()))

	select {
	case <-session.Done():
	default:
		t.Fatal("session still running after shutdown")
	}
}
