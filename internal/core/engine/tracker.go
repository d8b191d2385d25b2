package engine

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// TransitionError describes a job state change the state machine forbids.
type TransitionError struct {
	JobID string
	From  core.JobState
	To    core.JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %q to %q", e.JobID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return core.ErrInvalidTransition
}

var allowedTransitions = map[core.JobState][]core.JobState{
	core.JobPending:    {core.JobConverting},
	core.JobConverting: {core.JobSuccess, core.JobFailed},
}

// JobTracker holds the lifecycle state of every job in enqueue order.
type JobTracker struct {
	mu    sync.RWMutex
	order []string
	jobs  map[string]*core.Job
	Clock func() time.Time
}

// NewJobTracker returns an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*core.Job)}
}

// Track registers pending jobs, preserving the order given.
func (t *JobTracker) Track(jobs ...core.Job) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.jobs == nil {
		t.jobs = make(map[string]*core.Job)
	}

	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		id := strings.TrimSpace(job.ID)
		if id == "" {
			return errors.New("job id is required")
		}
		if _, ok := t.jobs[id]; ok {
			return fmt.Errorf("job %s is already tracked", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("job %s appears twice", id)
		}
		if job.State != "" && job.State != core.JobPending {
			return &TransitionError{JobID: id, From: job.State, To: core.JobPending}
		}
		seen[id] = struct{}{}
	}

	now := t.now()
	for _, job := range jobs {
		tracked := job
		tracked.ID = strings.TrimSpace(job.ID)
		tracked.State = core.JobPending
		if tracked.EnqueuedAt.IsZero() {
			tracked.EnqueuedAt = now
		}
		if tracked.Attempt == 0 {
			tracked.Attempt = 1
		}
		t.jobs[tracked.ID] = &tracked
		t.order = append(t.order, tracked.ID)
	}
	return nil
}

// SetState applies a state change. Allowed transitions are pending to
// converting, and converting to success or failed. outcome is kept on
// success; cause is kept on failure.
func (t *JobTracker) SetState(id string, state core.JobState, outcome *core.ConversionOutcome, cause error) (core.Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return core.Job{}, fmt.Errorf("job %s is not tracked: %w", id, core.ErrInvalidTransition)
	}
	if !transitionAllowed(job.State, state) {
		return *job, &TransitionError{JobID: id, From: job.State, To: state}
	}

	now := t.now()
	job.State = state
	switch state {
	case core.JobConverting:
		job.StartedAt = &now
	case core.JobSuccess:
		job.Result = outcome
		job.FinishedAt = &now
	case core.JobFailed:
		job.Reason = reasonFor(cause)
		if cause != nil {
			job.Error = cause.Error()
		}
		job.FinishedAt = &now
	}
	return *job, nil
}

// Abandon fails a job that never started. It is the only path from pending
// straight to failed and accepts only fail-fast and cancellation reasons.
func (t *JobTracker) Abandon(id string, reason core.FailureReason) (core.Job, error) {
	if reason != core.ReasonRateLimitExceeded && reason != core.ReasonCancelled {
		return core.Job{}, fmt.Errorf("abandon reason %q: %w", reason, core.ErrInvalidTransition)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[id]
	if !ok {
		return core.Job{}, fmt.Errorf("job %s is not tracked: %w", id, core.ErrInvalidTransition)
	}
	if job.State != core.JobPending {
		return *job, &TransitionError{JobID: id, From: job.State, To: core.JobFailed}
	}

	now := t.now()
	job.State = core.JobFailed
	job.Reason = reason
	switch reason {
	case core.ReasonRateLimitExceeded:
		job.Error = "not started: " + core.ErrRateLimitExceeded.Error()
	case core.ReasonCancelled:
		job.Error = "not started: " + core.ErrCancelled.Error()
	}
	job.FinishedAt = &now
	return *job, nil
}

// Get returns a copy of one job.
func (t *JobTracker) Get(id string) (core.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[id]
	if !ok {
		return core.Job{}, false
	}
	return *job, true
}

// Pending returns the ids of pending jobs in enqueue order.
func (t *JobTracker) Pending() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.order))
	for _, id := range t.order {
		if t.jobs[id].State == core.JobPending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Snapshot returns copies of every tracked job in enqueue order.
func (t *JobTracker) Snapshot() []core.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]core.Job, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.jobs[id])
	}
	return out
}

// Counts tallies jobs per state.
func (t *JobTracker) Counts() map[core.JobState]int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[core.JobState]int, 4)
	for _, job := range t.jobs {
		counts[job.State]++
	}
	return counts
}

// Len returns the number of tracked jobs.
func (t *JobTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

func (t *JobTracker) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}

func transitionAllowed(from, to core.JobState) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func reasonFor(cause error) core.FailureReason {
	switch {
	case errors.Is(cause, core.ErrRateLimitExceeded):
		return core.ReasonRateLimitExceeded
	case errors.Is(cause, core.ErrCancelled):
		return core.ReasonCancelled
	default:
		return core.ReasonConversionError
	}
}
