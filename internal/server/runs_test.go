package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
	apperrors "github.com/sqlshift/sqlshift/internal/errors"
	"github.com/sqlshift/sqlshift/internal/runs"
	"github.com/sqlshift/sqlshift/internal/server/handlers"
	servermw "github.com/sqlshift/sqlshift/internal/server/middleware"
)

func newRunsServer(t *testing.T, converter engine.ConverterFunc, opts ...Option) *httptest.Server {
	t.Helper()

	manager, err := runs.NewManager(runs.Options{
		Scheduler: engine.SchedulerConfig{
			Limit:        core.RateLimitConfig{MaxRequests: 10, Window: time.Second},
			BatchSize:    5,
			PollInterval: time.Millisecond,
		},
		Converter: converter,
	})
	require.NoError(t, err)

	srv := New("127.0.0.1", 0, append([]Option{WithRuns(manager)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})
	return ts
}

func echoConverter(_ context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
	return &core.ConversionOutcome{Output: "-- converted " + payload.Name}, nil
}

const twoJobs = `{
	"defaults": {"source_dialect": "oracle", "target_dialect": "postgres"},
	"jobs": [
		{"id": "customers", "name": "customers", "kind": "table", "source": "CREATE TABLE customers (id NUMBER)"},
		{"id": "orders", "name": "orders", "source": "CREATE TABLE orders (id NUMBER)"}
	]
}`

func postRun(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/runs", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getStatus(t *testing.T, ts *httptest.Server, runID string) runs.Status {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/runs/" + runID)
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeBody[runs.Status](t, resp)
}

func waitFinished(t *testing.T, ts *httptest.Server, runID string) runs.Status {
	t.Helper()
	var status runs.Status
	require.Eventually(t, func() bool {
		status = getStatus(t, ts, runID)
		return !status.Active && status.Report != nil
	}, 3*time.Second, 10*time.Millisecond)
	return status
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decodeBody[apperrors.HTTPErrorResponse](t, resp)
	return body.Error.Code
}

func TestRunsAPISubmitAndFetch(t *testing.T) {
	ts := newRunsServer(t, echoConverter)

	resp := postRun(t, ts, twoJobs)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	accepted := decodeBody[handlers.RunAccepted](t, resp)
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, 2, accepted.Jobs)
	assert.Equal(t, "/v1/runs/"+accepted.RunID+"/events", accepted.EventsURL)

	status := waitFinished(t, ts, accepted.RunID)
	assert.Equal(t, core.RunCompleted, status.Report.Outcome)
	assert.Equal(t, 2, status.Counts[core.JobSuccess])
	require.Len(t, status.Jobs, 2)
	assert.Equal(t, "postgres", status.Jobs[0].Payload.TargetDialect)

	listResp, err := http.Get(ts.URL + "/v1/runs")
	require.NoError(t, err)
	defer listResp.Body.Close() // nolint:errcheck
	list := decodeBody[handlers.RunList](t, listResp)
	require.Len(t, list.Runs, 1)
	assert.Equal(t, accepted.RunID, list.Runs[0].RunID)
}

func TestRunsAPIRejectsBadRequests(t *testing.T) {
	ts := newRunsServer(t, echoConverter)

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "Malformed", body: `{"jobs": [`, code: apperrors.CodeInvalidInput},
		{name: "UnknownField", body: `{"jobz": []}`, code: apperrors.CodeInvalidInput},
		{name: "NoJobs", body: `{"jobs": []}`, code: apperrors.CodeValidationFailed},
		{name: "MissingDialect", body: `{"jobs": [{"name": "a", "source": "SELECT 1", "source_dialect": "oracle"}]}`, code: apperrors.CodeValidationFailed},
		{name: "DuplicateID", body: `{"defaults": {"source_dialect": "a", "target_dialect": "b"}, "jobs": [{"id": "x", "name": "a", "source": "1"}, {"id": "x", "name": "b", "source": "2"}]}`, code: apperrors.CodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postRun(t, ts, tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.code, errorCode(t, resp))
		})
	}
}

func TestRunsAPIUnknownRun(t *testing.T) {
	ts := newRunsServer(t, echoConverter)

	resp, err := http.Get(ts.URL + "/v1/runs/nope")
	require.NoError(t, err)
	defer resp.Body.Close() // nolint:errcheck
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeRunNotFound, errorCode(t, resp))
}

func TestRunsAPIRetry(t *testing.T) {
	var attempts atomic.Int32
	release := make(chan struct{})
	converter := func(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
		if payload.Name == "orders" {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if payload.Name == "customers" && attempts.Add(1) == 1 {
			return nil, errors.New("model returned prose")
		}
		return &core.ConversionOutcome{Output: "ok"}, nil
	}
	ts := newRunsServer(t, converter)

	accepted := decodeBody[handlers.RunAccepted](t, postRun(t, ts, twoJobs))
	retryURL := func(jobID string) string {
		return ts.URL + "/v1/runs/" + accepted.RunID + "/jobs/" + jobID + "/retry"
	}

	require.Eventually(t, func() bool {
		return getStatus(t, ts, accepted.RunID).Counts[core.JobFailed] == 1
	}, 3*time.Second, 10*time.Millisecond)

	resp, err := http.Post(retryURL("customers"), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperrors.CodeRunActive, errorCode(t, resp))
	_ = resp.Body.Close()

	close(release)
	waitFinished(t, ts, accepted.RunID)

	resp, err = http.Post(retryURL("orders"), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, apperrors.CodeJobNotRetryable, errorCode(t, resp))
	_ = resp.Body.Close()

	resp, err = http.Post(retryURL("missing"), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, apperrors.CodeJobNotFound, errorCode(t, resp))
	_ = resp.Body.Close()

	resp, err = http.Post(retryURL("customers"), "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	retried := decodeBody[handlers.RunAccepted](t, resp)
	_ = resp.Body.Close()
	require.NotNil(t, retried.Job)
	assert.Equal(t, "customers", retried.Job.RetryOf)
	assert.Equal(t, 2, retried.Job.Attempt)

	require.Eventually(t, func() bool {
		status := getStatus(t, ts, accepted.RunID)
		return !status.Active && status.Counts[core.JobSuccess] == 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRunsAPICancel(t *testing.T) {
	converter := func(ctx context.Context, _ core.Payload) (*core.ConversionOutcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	ts := newRunsServer(t, converter)

	accepted := decodeBody[handlers.RunAccepted](t, postRun(t, ts, twoJobs))

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/runs/"+accepted.RunID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	status := waitFinished(t, ts, accepted.RunID)
	assert.Equal(t, core.RunAborted, status.Report.Outcome)
	assert.Equal(t, 2, status.Counts[core.JobFailed])
}

func TestRunsAPIIngressLimit(t *testing.T) {
	ts := newRunsServer(t, echoConverter, WithIngressLimiter(servermw.NewIngressLimiter(0.001, 1)))

	first := postRun(t, ts, twoJobs)
	require.Equal(t, http.StatusAccepted, first.StatusCode)

	second := postRun(t, ts, strings.ReplaceAll(twoJobs, `"id": "`, `"id": "b-`))
	require.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))

	// Reads are not throttled.
	resp, err := http.Get(ts.URL + "/v1/runs")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRunsAPIEventStream(t *testing.T) {
	ts := newRunsServer(t, echoConverter)

	accepted := decodeBody[handlers.RunAccepted](t, postRun(t, ts, twoJobs))
	waitFinished(t, ts, accepted.RunID)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + accepted.EventsURL
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close() // nolint:errcheck

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var kinds []core.EventKind
	for {
		var event core.Event
		require.NoError(t, conn.ReadJSON(&event))
		assert.Equal(t, accepted.RunID, event.RunID)
		kinds = append(kinds, event.Kind)
		if event.Kind == core.EventRunCompleted {
			break
		}
	}

	assert.Contains(t, kinds, core.EventJobUpdated)
	assert.Contains(t, kinds, core.EventBatchCompleted)
}

func TestRunsAPIEventStreamUnknownRun(t *testing.T) {
	ts := newRunsServer(t, echoConverter)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/runs/nope/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close() // nolint:errcheck
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRunsRoutesAbsentWithoutManager(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodPost, "/v1/runs", bytes.NewBufferString(twoJobs))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
