package core

import "time"

// JobState is the lifecycle state of a conversion job.
type JobState string

const (
	JobPending    JobState = "pending"
	JobConverting JobState = "converting"
	JobSuccess    JobState = "success"
	JobFailed     JobState = "failed"
)

// Terminal reports whether the state is final.
func (s JobState) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// FailureReason classifies why a job ended in JobFailed.
type FailureReason string

const (
	ReasonNone              FailureReason = ""
	ReasonConversionError   FailureReason = "conversion_error"
	ReasonRateLimitExceeded FailureReason = "rate_limit_exceeded"
	ReasonCancelled         FailureReason = "cancelled"
)

// ObjectKind identifies what kind of database object a payload holds.
type ObjectKind string

const (
	KindTable     ObjectKind = "table"
	KindView      ObjectKind = "view"
	KindProcedure ObjectKind = "procedure"
	KindQuery     ObjectKind = "query"
)

// Payload is the conversion input supplied by the caller.
type Payload struct {
	Name          string     `json:"name" yaml:"name"`
	Kind          ObjectKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	Source        string     `json:"source" yaml:"source"`
	SourceDialect string     `json:"source_dialect" yaml:"source_dialect"`
	TargetDialect string     `json:"target_dialect" yaml:"target_dialect"`
}

// TokenUsage reports provider token consumption for one conversion.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ConversionOutcome is what the converter returns on success.
type ConversionOutcome struct {
	Output   string        `json:"output"`
	Model    string        `json:"model,omitempty"`
	Usage    *TokenUsage   `json:"usage,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Job tracks one conversion request through the scheduler.
type Job struct {
	ID         string             `json:"id"`
	RunID      string             `json:"run_id,omitempty"`
	Payload    Payload            `json:"payload"`
	State      JobState           `json:"state"`
	Result     *ConversionOutcome `json:"result,omitempty"`
	Error      string             `json:"error,omitempty"`
	Reason     FailureReason      `json:"reason,omitempty"`
	Attempt    int                `json:"attempt"`
	RetryOf    string             `json:"retry_of,omitempty"`
	EnqueuedAt time.Time          `json:"enqueued_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// NewJob returns a pending job for the payload.
func NewJob(id string, payload Payload) Job {
	return Job{
		ID:      id,
		Payload: payload,
		State:   JobPending,
		Attempt: 1,
	}
}

// Retry returns a fresh pending job that re-attempts j's payload.
func (j Job) Retry(id string) Job {
	next := NewJob(id, j.Payload)
	next.Attempt = j.Attempt + 1
	next.RetryOf = j.ID
	return next
}

// ResultRecord is the persisted form of a job's terminal transition.
type ResultRecord struct {
	JobID     string             `json:"job_id"`
	RunID     string             `json:"run_id"`
	State     JobState           `json:"state"`
	Reason    FailureReason      `json:"reason,omitempty"`
	Error     string             `json:"error,omitempty"`
	Payload   Payload            `json:"payload"`
	Result    *ConversionOutcome `json:"result,omitempty"`
	Attempt   int                `json:"attempt"`
	RetryOf   string             `json:"retry_of,omitempty"`
	Metrics   ResultMetrics      `json:"metrics"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// ResultMetrics captures per-job timing collected by the scheduler.
type ResultMetrics struct {
	AdmissionWait time.Duration `json:"admission_wait"`
	Duration      time.Duration `json:"duration"`
}

// RecordFromJob builds the persisted record for a terminal job.
func RecordFromJob(job Job, metrics ResultMetrics, now time.Time) ResultRecord {
	return ResultRecord{
		JobID:     job.ID,
		RunID:     job.RunID,
		State:     job.State,
		Reason:    job.Reason,
		Error:     job.Error,
		Payload:   job.Payload,
		Result:    job.Result,
		Attempt:   job.Attempt,
		RetryOf:   job.RetryOf,
		Metrics:   metrics,
		UpdatedAt: now,
	}
}

// Job rebuilds the terminal job the record was written for.
func (r ResultRecord) Job() Job {
	finished := r.UpdatedAt
	return Job{
		ID:         r.JobID,
		RunID:      r.RunID,
		Payload:    r.Payload,
		State:      r.State,
		Result:     r.Result,
		Error:      r.Error,
		Reason:     r.Reason,
		Attempt:    r.Attempt,
		RetryOf:    r.RetryOf,
		FinishedAt: &finished,
	}
}

// SchedulerState is the lifecycle state of a scheduler instance.
type SchedulerState string

const (
	SchedulerIdle     SchedulerState = "idle"
	SchedulerRunning  SchedulerState = "running"
	SchedulerDraining SchedulerState = "draining"
	SchedulerAborted  SchedulerState = "aborted"
)

// RunOutcome summarizes how a scheduling run ended.
type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunAborted   RunOutcome = "aborted"
)

// RunReport is the manifest returned to the caller after a run.
type RunReport struct {
	RunID             string          `json:"run_id"`
	Outcome           RunOutcome      `json:"outcome"`
	Jobs              []Job           `json:"jobs"`
	Succeeded         int             `json:"succeeded"`
	Failed            int             `json:"failed"`
	Batches           int             `json:"batches"`
	BackpressureWaits []time.Duration `json:"backpressure_waits,omitempty"`
	StartedAt         time.Time       `json:"started_at"`
	FinishedAt        time.Time       `json:"finished_at"`
}

// TotalBackpressure sums every backpressure wait in the run.
func (r *RunReport) TotalBackpressure() time.Duration {
	if r == nil {
		return 0
	}
	var total time.Duration
	for _, wait := range r.BackpressureWaits {
		total += wait
	}
	return total
}

// FailureReasons groups failed job error messages by reason.
func (r *RunReport) FailureReasons() map[FailureReason][]string {
	if r == nil {
		return nil
	}
	out := make(map[FailureReason][]string)
	for _, job := range r.Jobs {
		if job.State != JobFailed {
			continue
		}
		out[job.Reason] = append(out[job.Reason], job.Error)
	}
	return out
}
