// Package runs hosts scheduler runs started over the HTTP API: one isolated
// scheduler per run, with an event history for stream subscribers.
package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
)

var (
	// ErrNoJobs is returned when a run is submitted without jobs.
	ErrNoJobs = errors.New("at least one job is required")
	// ErrRunNotFound is returned for unknown or evicted run ids.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunActive is returned when a run is still executing.
	ErrRunActive = errors.New("run is still active")
	// ErrJobNotFound is returned for a job id the run never tracked.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotFailed is returned when retrying a job that did not fail.
	ErrJobNotFailed = errors.New("only failed jobs can be retried")
)

const defaultMaxSessions = 100

// Options configure a Manager.
type Options struct {
	Scheduler engine.SchedulerConfig
	Converter engine.Converter
	Sink      engine.ResultSink
	Recorder  engine.Recorder
	Logger    *logging.Logger

	// HistoryLimit bounds the events kept per run.
	HistoryLimit int
	// MaxSessions bounds retained runs; the oldest idle runs are evicted.
	MaxSessions int
	// OnFinished runs after the initial run and after each retry.
	OnFinished func(ctx context.Context, session *Session)

	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Manager owns the run sessions of a server.
type Manager struct {
	opts Options
	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager validates the scheduler tuning and returns an empty manager.
func NewManager(opts Options) (*Manager, error) {
	if err := opts.Scheduler.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}
	if opts.Converter == nil {
		return nil, errors.New("converter is required")
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = defaultMaxSessions
	}

	base, stop := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		base:     base,
		stop:     stop,
		sessions: make(map[string]*Session),
	}, nil
}

// Start launches a run in the background and returns its session.
func (m *Manager) Start(jobs []core.Job) (*Session, error) {
	if len(jobs) == 0 {
		return nil, ErrNoJobs
	}

	session, err := m.newSession()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.base)
	session.cancel = cancel
	session.active = true

	m.mu.Lock()
	m.evictLocked()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		report, err := session.scheduler.Run(ctx, jobs)
		session.finish(report, err, m.now())
		close(session.done)
		if err != nil {
			m.logWarn("Run ended with error", zap.String("run_id", session.ID), zap.Error(err))
		}
		m.finished(session)
	}()

	return session, nil
}

// Get returns a session by run id.
func (m *Manager) Get(runID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return session, nil
}

// List returns every retained session, newest first, without job detail.
func (m *Manager) List() []Status {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	out := make([]Status, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, session.Status(false))
	}
	return out
}

// Cancel aborts a run. Cancelling an idle run is a no-op.
func (m *Manager) Cancel(runID string) error {
	session, err := m.Get(runID)
	if err != nil {
		return err
	}
	session.Cancel()
	m.logInfo("Run cancellation requested", zap.String("run_id", runID))
	return nil
}

// Retry re-submits a failed job of an idle run as a fresh job and returns
// it in its pending state. The conversion proceeds in the background.
func (m *Manager) Retry(runID, jobID string) (core.Job, error) {
	session, err := m.Get(runID)
	if err != nil {
		return core.Job{}, err
	}

	session.mu.Lock()
	if session.active {
		session.mu.Unlock()
		return core.Job{}, ErrRunActive
	}

	job, ok := session.scheduler.Job(jobID)
	if !ok {
		session.mu.Unlock()
		return core.Job{}, ErrJobNotFound
	}
	if job.State != core.JobFailed {
		session.mu.Unlock()
		return core.Job{}, ErrJobNotFailed
	}

	next := job.Retry(uuid.NewString())
	next.RunID = session.ID

	ctx, cancel := context.WithCancel(m.base)
	session.active = true
	session.cancel = cancel
	session.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()

		done, err := session.scheduler.ConvertOne(ctx, next)

		session.mu.Lock()
		session.active = false
		session.mu.Unlock()

		if err != nil {
			m.logWarn("Retry failed",
				zap.String("run_id", session.ID),
				zap.String("job_id", next.ID),
				zap.Error(err))
		} else {
			m.logInfo("Retry finished",
				zap.String("run_id", session.ID),
				zap.String("job_id", done.ID),
				zap.String("retry_of", done.RetryOf),
				zap.String("state", string(done.State)))
		}
		m.finished(session)
	}()

	return next, nil
}

// ActiveRuns counts sessions whose scheduler is still executing.
func (m *Manager) ActiveRuns() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := 0
	for _, session := range m.sessions {
		if session.Active() {
			active++
		}
	}
	return active
}

// CheckHealth fails once the manager has been shut down.
func (m *Manager) CheckHealth(ctx context.Context) error {
	if err := m.base.Err(); err != nil {
		return errors.New("run manager is shut down")
	}
	return nil
}

// Shutdown cancels every run and waits for them to stop.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stop()

	waited := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range m.sessions {
		session.events.Close()
	}
	return nil
}

func (m *Manager) newSession() (*Session, error) {
	scheduler, err := engine.NewScheduler(m.opts.Scheduler, m.opts.Converter)
	if err != nil {
		return nil, err
	}

	events := NewBroadcaster(m.opts.HistoryLimit)
	scheduler.Sink = m.opts.Sink
	scheduler.Recorder = m.opts.Recorder
	scheduler.Logger = m.opts.Logger
	scheduler.Notifier = events
	if m.opts.Clock != nil {
		scheduler.Clock = m.opts.Clock
	}
	if m.opts.Sleep != nil {
		scheduler.Sleep = m.opts.Sleep
	}

	return &Session{
		ID:        scheduler.RunID,
		CreatedAt: m.now(),
		scheduler: scheduler,
		events:    events,
		done:      make(chan struct{}),
	}, nil
}

// evictLocked drops the oldest idle sessions until one more fits.
func (m *Manager) evictLocked() {
	if len(m.sessions) < m.opts.MaxSessions {
		return
	}

	idle := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		if !session.Active() {
			idle = append(idle, session)
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		return idle[i].CreatedAt.Before(idle[j].CreatedAt)
	})

	for _, session := range idle {
		if len(m.sessions) < m.opts.MaxSessions {
			return
		}
		session.events.Close()
		delete(m.sessions, session.ID)
		m.logDebug("Evicted run session", zap.String("run_id", session.ID))
	}
}

func (m *Manager) finished(session *Session) {
	if m.opts.OnFinished != nil {
		m.opts.OnFinished(context.WithoutCancel(m.base), session)
	}
}

func (m *Manager) now() time.Time {
	if m.opts.Clock != nil {
		return m.opts.Clock()
	}
	return time.Now()
}

func (m *Manager) logDebug(msg string, fields ...zap.Field) {
	if m.opts.Logger != nil {
		m.opts.Logger.Debug(msg, fields...)
	}
}

func (m *Manager) logInfo(msg string, fields ...zap.Field) {
	if m.opts.Logger != nil {
		m.opts.Logger.Info(msg, fields...)
	}
}

func (m *Manager) logWarn(msg string, fields ...zap.Field) {
	if m.opts.Logger != nil {
		m.opts.Logger.Warn(msg, fields...)
	}
}
