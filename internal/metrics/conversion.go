package metrics

import (
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/observability"
)

// Conversion metric names.
const (
	ConversionsTotal       = "conversions_total"
	ConversionDuration     = "conversion_duration_ms"
	AdmissionWait          = "admission_wait_ms"
	BackpressureWaitsTotal = "backpressure_waits_total"
	BackpressureWait       = "backpressure_wait_ms"
	RunsTotal              = "runs_total"
	RunsSubmittedTotal     = "runs_submitted_total"
	RunJobsSubmitted       = "run_jobs_submitted"
	RunDuration            = "run_duration_ms"
	ActiveRuns             = "active_runs"
	ServerStartTime        = "server_start_time_seconds"
)

// Recorder emits scheduler measurements to the telemetry system. It is a
// no-op until observability.InitMetrics has run.
type Recorder struct{}

// JobFinished counts a terminal job and records its timings.
func (Recorder) JobFinished(job core.Job, m core.ResultMetrics) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}

	reason := string(job.Reason)
	if reason == "" {
		reason = "none"
	}
	_ = sys.Counter(ConversionsTotal, 1, map[string]string{
		"state":  string(job.State),
		"reason": reason,
	})
	_ = sys.Histogram(AdmissionWait, m.AdmissionWait, nil)
	if m.Duration > 0 {
		_ = sys.Histogram(ConversionDuration, m.Duration, map[string]string{
			"state": string(job.State),
		})
	}
}

// BackpressureWait counts a window-reset wait.
func (Recorder) BackpressureWait(wait time.Duration) {
	sys := observability.TelemetrySystem
	if sys == nil {
		return
	}
	_ = sys.Counter(BackpressureWaitsTotal, 1, nil)
	_ = sys.Histogram(BackpressureWait, wait, nil)
}

// RunFinished counts a finished run by outcome.
func (Recorder) RunFinished(report *core.RunReport) {
	sys := observability.TelemetrySystem
	if sys == nil || report == nil {
		return
	}
	_ = sys.Counter(RunsTotal, 1, map[string]string{
		"outcome": string(report.Outcome),
	})
	if !report.FinishedAt.IsZero() && report.FinishedAt.After(report.StartedAt) {
		_ = sys.Histogram(RunDuration, report.FinishedAt.Sub(report.StartedAt), map[string]string{
			"outcome": string(report.Outcome),
		})
	}
}

// RecordRunSubmitted counts a run accepted over the HTTP API.
func RecordRunSubmitted(jobs int) {
	count(RunsSubmittedTotal, nil)
	gauge(RunJobsSubmitted, float64(jobs), nil)
}

// SetActiveRuns sets the number of runs currently executing.
func SetActiveRuns(active int) {
	gauge(ActiveRuns, float64(active), nil)
}

// SetServerStartTime records the server start time as a Unix timestamp.
func SetServerStartTime(timestamp int64) {
	gauge(ServerStartTime, float64(timestamp), nil)
}
