package runs

import (
	"context"
	"sync"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
)

// Session is one scheduler run owned by the Manager.
type Session struct {
	ID        string
	CreatedAt time.Time

	scheduler *engine.Scheduler
	events    *Broadcaster

	mu       sync.RWMutex
	cancel   context.CancelFunc
	active   bool
	done     chan struct{}
	report   *core.RunReport
	err      error
	finished time.Time
}

// Status is the externally visible state of a session.
type Status struct {
	RunID      string                `json:"run_id"`
	State      core.SchedulerState   `json:"state"`
	Active     bool                  `json:"active"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	RateLimit  core.RateLimitInfo    `json:"rate_limit"`
	Counts     map[core.JobState]int `json:"counts"`
	Jobs       []core.Job            `json:"jobs,omitempty"`
	Report     *core.RunReport       `json:"report,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Events returns the session's event broadcaster.
func (s *Session) Events() *Broadcaster {
	return s.events
}

// Done is closed when the initial run finishes.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the initial run finishes or ctx ends.
func (s *Session) Wait(ctx context.Context) (*core.RunReport, error) {
	select {
	case <-s.done:
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.report, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active reports whether the run or a retry is still executing.
func (s *Session) Active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Cancel aborts whatever the session is executing.
func (s *Session) Cancel() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Window returns the scheduler's limiter window.
func (s *Session) Window() core.RateLimitWindow {
	return s.scheduler.Window()
}

// Job returns one job of the session.
func (s *Session) Job(id string) (core.Job, bool) {
	return s.scheduler.Job(id)
}

// Status snapshots the session. withJobs controls whether per-job detail
// is included.
func (s *Session) Status(withJobs bool) Status {
	s.mu.RLock()
	status := Status{
		RunID:     s.ID,
		Active:    s.active,
		CreatedAt: s.CreatedAt,
		Report:    s.report,
	}
	if !s.finished.IsZero() {
		finished := s.finished
		status.FinishedAt = &finished
	}
	if s.err != nil {
		status.Error = s.err.Error()
	}
	s.mu.RUnlock()

	status.State = s.scheduler.State()
	status.RateLimit = s.scheduler.RateLimit()

	jobs := s.scheduler.Snapshot()
	status.Counts = make(map[core.JobState]int, 4)
	for _, job := range jobs {
		status.Counts[job.State]++
	}
	if withJobs {
		status.Jobs = jobs
	}
	return status
}

func (s *Session) finish(report *core.RunReport, err error, at time.Time) {
	s.mu.Lock()
	s.report = report
	s.err = err
	s.active = false
	s.finished = at
	s.mu.Unlock()
}
