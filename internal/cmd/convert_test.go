package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
	errwrap "github.com/sqlshift/sqlshift/internal/errors"
)

func TestSchedulerOverrides(t *testing.T) {
	assert.Nil(t, schedulerOverrides(0, 0))
	assert.Equal(t, map[string]any{
		"scheduler": map[string]any{"batch_size": 3, "max_requests": 20},
	}, schedulerOverrides(3, 20))
}

func TestRunFailure(t *testing.T) {
	assert.NoError(t, runFailure(nil))
	assert.NoError(t, runFailure(&core.RunReport{RunID: "r", Outcome: core.RunCompleted, Succeeded: 2}))

	err := runFailure(&core.RunReport{RunID: "r", Outcome: core.RunCompleted, Succeeded: 1, Failed: 1, Jobs: make([]core.Job, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 jobs failed")

	err = runFailure(&core.RunReport{RunID: "r", Outcome: core.RunAborted, Failed: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "aborted")
}

func TestWriteConvertedSQL(t *testing.T) {
	dir := t.TempDir()
	report := &core.RunReport{Jobs: []core.Job{
		{ID: "a1", Payload: core.Payload{Name: "Orders View"}, State: core.JobSuccess, Result: &core.ConversionOutcome{Output: "CREATE VIEW orders AS SELECT 1;\n\n"}},
		{ID: "b2", Payload: core.Payload{Name: "orders view"}, State: core.JobSuccess, Result: &core.ConversionOutcome{Output: "SELECT 2;"}},
		{ID: "c3", Payload: core.Payload{Name: "broken"}, State: core.JobFailed, Error: "boom"},
	}}

	require.NoError(t, writeConvertedSQL(dir, report))

	data, err := os.ReadFile(filepath.Join(dir, "orders-view.sql"))
	require.NoError(t, err)
	assert.Equal(t, "CREATE VIEW orders AS SELECT 1;\n", string(data))

	_, err = os.Stat(filepath.Join(dir, "orders-view-b2.sql"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "broken.sql"))
	assert.True(t, os.IsNotExist(err))
}

func TestConvertJobsFromFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "customers.sql")
	require.NoError(t, os.WriteFile(path, []byte("CREATE TABLE customers (id NUMBER);\n"), 0o600))

	convertManifest = ""
	convertSourceDialect = "oracle"
	convertTargetDialect = "postgres"
	convertKind = "TABLE"
	t.Cleanup(func() {
		convertSourceDialect, convertTargetDialect, convertKind = "", "", ""
	})

	cmd := &cobra.Command{}
	cmd.SetIn(strings.NewReader("SELECT 1 FROM dual"))

	jobs, err := convertJobs(cmd, []string{path, "-"})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "customers", jobs[0].Payload.Name)
	assert.Equal(t, core.KindTable, jobs[0].Payload.Kind)
	assert.Equal(t, "stdin", jobs[1].Payload.Name)
	assert.Equal(t, "SELECT 1 FROM dual", jobs[1].Payload.Source)
	assert.Equal(t, core.JobPending, jobs[1].State)
}

func TestConvertJobsRejectsManifestAndFiles(t *testing.T) {
	convertManifest = "jobs.yaml"
	t.Cleanup(func() { convertManifest = "" })

	_, err := convertJobs(&cobra.Command{}, []string{"a.sql"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestProgressNotifier(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressNotifier(2, &buf)

	done := core.Job{ID: "a", State: core.JobSuccess}
	pending := core.Job{ID: "b", State: core.JobConverting}
	p.Notify(core.Event{Kind: core.EventJobUpdated, Job: &pending})
	p.Notify(core.Event{Kind: core.EventJobUpdated, Job: &done})
	p.Notify(core.Event{Kind: core.EventBackpressureWaiting, WaitSeconds: 12})
	assert.InDelta(t, 0.5, p.bar.State().CurrentPercent, 0.001)

	p.Notify(core.Event{Kind: core.EventRunCompleted, At: time.Now()})
	assert.True(t, p.bar.IsFinished())
}

func TestFilterState(t *testing.T) {
	records := []core.ResultRecord{
		{JobID: "a", State: core.JobFailed},
		{JobID: "b", State: core.JobSuccess},
		{JobID: "c", State: core.JobFailed},
	}
	assert.Len(t, filterState(records, "", 0), 3)
	assert.Len(t, filterState(records, core.JobFailed, 0), 2)
	out := filterState(records, core.JobFailed, 1)
	require.Len(t, out, 1)
	assert.Equal(t, "a", out[0].JobID)
}

func TestFailureSummary(t *testing.T) {
	msg := failureSummary(core.ResultRecord{JobID: "j1", State: core.JobFailed, Reason: core.ReasonRateLimitExceeded, Error: "quota"})
	assert.Equal(t, "job j1 is failed (rate_limit_exceeded): quota", msg)
}

func TestExitCodeFor(t *testing.T) {
	assert.Equal(t, foundry.ExitFailure, ExitCodeFor(errors.New("plain")))
	assert.Equal(t, foundry.ExitConfigInvalid, ExitCodeFor(errwrap.NewConfigInvalidError("bad")))
	assert.Equal(t, foundry.ExitExternalServiceUnavailable, ExitCodeFor(errwrap.WrapDatabaseError(context.Background(), errors.New("locked"), "db")))
}
