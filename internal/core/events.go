package core

import "time"

// EventKind identifies a scheduler status event.
type EventKind string

const (
	EventBackpressureWaiting EventKind = "backpressure_waiting"
	EventBatchCompleted      EventKind = "batch_completed"
	EventRunCompleted        EventKind = "run_completed"
	EventJobUpdated          EventKind = "job_updated"
)

// Event is a status notification emitted by a scheduler.
type Event struct {
	Kind         EventKind `json:"kind"`
	RunID        string    `json:"run_id,omitempty"`
	At           time.Time `json:"at"`
	WaitSeconds  int       `json:"wait_seconds,omitempty"`
	SuccessCount int       `json:"success_count,omitempty"`
	FailCount    int       `json:"fail_count,omitempty"`
	Batch        int       `json:"batch,omitempty"`
	Job          *Job      `json:"job,omitempty"`
	Aborted      bool      `json:"aborted,omitempty"`
}
