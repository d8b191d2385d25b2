package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/core"
)

// SchedulerConfig tunes admission and batching.
type SchedulerConfig struct {
	Limit           core.RateLimitConfig
	BatchSize       int
	InterBatchDelay time.Duration
	PollInterval    time.Duration
	SafetyMargin    float64
}

// DefaultSchedulerConfig returns the stock tuning for the hosted service.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Limit:           DefaultRateLimit,
		BatchSize:       5,
		InterBatchDelay: 2 * time.Second,
		PollInterval:    time.Second,
	}
}

// Validate checks the scheduler tuning.
func (c SchedulerConfig) Validate() error {
	if err := c.Limit.Validate(); err != nil {
		return err
	}
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.BatchSize > c.Limit.MaxRequests:
		return fmt.Errorf("batch size %d exceeds max requests %d", c.BatchSize, c.Limit.MaxRequests)
	case c.InterBatchDelay < 0:
		return fmt.Errorf("inter-batch delay must not be negative, got %s", c.InterBatchDelay)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.SafetyMargin < 0 || c.SafetyMargin > 1:
		return fmt.Errorf("safety margin must be within [0,1], got %v", c.SafetyMargin)
	}
	return nil
}

// Scheduler drains a queue of conversion jobs through a rate limiter,
// dispatching one request at a time. Each scheduler owns its limiter and
// tracker; schedulers never share them.
type Scheduler struct {
	Converter Converter
	Sink      ResultSink
	Notifier  Notifier
	Recorder  Recorder
	Logger    *logging.Logger
	RunID     string
	Clock     func() time.Time
	Sleep     func(ctx context.Context, d time.Duration) error

	cfg     SchedulerConfig
	limiter *RateLimiter

	mu      sync.RWMutex
	state   core.SchedulerState
	tracker *JobTracker
}

// NewScheduler validates cfg and returns an idle scheduler.
func NewScheduler(cfg SchedulerConfig, converter Converter) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if converter == nil {
		return nil, errors.New("converter is required")
	}

	limiter, err := NewRateLimiter(cfg.Limit)
	if err != nil {
		return nil, err
	}
	limiter.ApplySafetyMargin(cfg.SafetyMargin)

	s := &Scheduler{
		Converter: converter,
		RunID:     uuid.NewString(),
		cfg:       cfg,
		limiter:   limiter,
		state:     core.SchedulerIdle,
	}
	s.tracker = s.newTracker()
	return s, nil
}

// Config returns the scheduler tuning.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// State returns the scheduler lifecycle state.
func (s *Scheduler) State() core.SchedulerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RateLimit reports current limiter usage.
func (s *Scheduler) RateLimit() core.RateLimitInfo {
	return s.limiter.Info(s.now())
}

// Window returns a copy of the limiter window, for persistence.
func (s *Scheduler) Window() core.RateLimitWindow {
	return s.limiter.Window()
}

// Snapshot returns every job the scheduler has tracked since its last run began.
func (s *Scheduler) Snapshot() []core.Job {
	return s.currentTracker().Snapshot()
}

// Job returns one tracked job.
func (s *Scheduler) Job(id string) (core.Job, bool) {
	return s.currentTracker().Get(id)
}

// Run drains jobs and returns the run manifest. Converter failures are
// recorded on their jobs and never returned. A returned error means the
// state machine was driven incorrectly, or the scheduler was already busy.
// Cancelling ctx aborts the run and fails every job that had not started.
func (s *Scheduler) Run(ctx context.Context, jobs []core.Job) (*core.RunReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.begin() {
		return nil, core.ErrSchedulerBusy
	}
	defer s.setState(core.SchedulerIdle)

	tracker := s.newTracker()
	queued := make([]core.Job, len(jobs))
	for i, job := range jobs {
		job.RunID = s.RunID
		queued[i] = job
	}
	if err := tracker.Track(queued...); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.tracker = tracker
	s.mu.Unlock()

	report := &core.RunReport{
		RunID:     s.RunID,
		Outcome:   core.RunCompleted,
		StartedAt: s.now(),
	}

	s.limiter.Reset(s.now())
	s.logInfo("Conversion run started",
		zap.String("run_id", s.RunID),
		zap.Int("jobs", len(queued)),
		zap.Int("max_requests", s.limiter.Limit().MaxRequests),
		zap.Duration("window", s.cfg.Limit.Window))

	err := s.drain(ctx, tracker, report)
	if errors.Is(err, core.ErrCancelled) {
		s.setState(core.SchedulerAborted)
		report.Outcome = core.RunAborted
		err = s.abandonPending(ctx, tracker, core.ReasonCancelled)
	}

	s.finalize(tracker, report)
	if err != nil {
		s.logError("Conversion run failed", zap.String("run_id", s.RunID), zap.Error(err))
		return report, err
	}

	s.notify(core.Event{
		Kind:         core.EventRunCompleted,
		SuccessCount: report.Succeeded,
		FailCount:    report.Failed,
		Aborted:      report.Outcome == core.RunAborted,
	})
	if s.Recorder != nil {
		s.Recorder.RunFinished(report)
	}
	s.logInfo("Conversion run finished",
		zap.String("run_id", s.RunID),
		zap.String("outcome", string(report.Outcome)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("batches", report.Batches),
		zap.Duration("backpressure", report.TotalBackpressure()))

	return report, nil
}

// ConvertOne admits and dispatches a single job without batch bookkeeping
// and without resetting the current window. It is meant for targeted
// retries once a run is over.
func (s *Scheduler) ConvertOne(ctx context.Context, job core.Job) (core.Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.begin() {
		return core.Job{}, core.ErrSchedulerBusy
	}
	defer s.setState(core.SchedulerIdle)

	tracker := s.currentTracker()
	job.RunID = s.RunID
	if err := tracker.Track(job); err != nil {
		return core.Job{}, err
	}

	wait, err := s.awaitAdmission(ctx)
	if err != nil {
		abandoned, aerr := tracker.Abandon(job.ID, core.ReasonCancelled)
		if aerr != nil {
			return abandoned, aerr
		}
		s.finish(ctx, abandoned, core.ResultMetrics{})
		return abandoned, nil
	}

	return s.dispatch(ctx, tracker, job.ID, wait)
}

func (s *Scheduler) drain(ctx context.Context, tracker *JobTracker, report *core.RunReport) error {
	for {
		pending := tracker.Pending()
		if len(pending) == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		now := s.now()
		info := s.limiter.Info(now)
		size := SafeBatchSize(len(pending), info, s.cfg.BatchSize)
		if size == 0 {
			if err := s.backpressure(ctx, now, info, report); err != nil {
				return err
			}
			continue
		}

		if size == len(pending) {
			s.setState(core.SchedulerDraining)
		}
		report.Batches++
		batch := pending[:size]
		s.logDebug("Dispatching batch",
			zap.String("run_id", s.RunID),
			zap.Int("batch", report.Batches),
			zap.Int("size", size),
			zap.Int("remaining_quota", info.Remaining),
			zap.Int("pending", len(pending)))

		succeeded, failed, err := s.dispatchBatch(ctx, tracker, batch)
		if err != nil {
			return err
		}

		s.notify(core.Event{
			Kind:         core.EventBatchCompleted,
			Batch:        report.Batches,
			SuccessCount: succeeded,
			FailCount:    failed,
		})

		if len(tracker.Pending()) > 0 {
			if err := s.sleep(ctx, s.cfg.InterBatchDelay); err != nil {
				return cancelled(ctx)
			}
		}
	}
}

func (s *Scheduler) backpressure(ctx context.Context, now time.Time, info core.RateLimitInfo, report *core.RunReport) error {
	wait := info.ResetAt.Sub(now)
	if wait < 0 {
		wait = 0
	}
	report.BackpressureWaits = append(report.BackpressureWaits, wait)

	s.notify(core.Event{
		Kind:        core.EventBackpressureWaiting,
		WaitSeconds: WaitSeconds(now, info.ResetAt),
	})
	if s.Recorder != nil {
		s.Recorder.BackpressureWait(wait)
	}
	s.logInfo("Rate limit window exhausted, waiting for reset",
		zap.String("run_id", s.RunID),
		zap.Duration("wait", wait),
		zap.Time("reset_at", info.ResetAt))

	if err := s.sleep(ctx, wait); err != nil {
		return cancelled(ctx)
	}
	s.limiter.Reset(s.now())
	return nil
}

// dispatchBatch runs a batch in order. A failure does not stop the batch,
// except confirmed quota exhaustion, which fails every job not yet started.
func (s *Scheduler) dispatchBatch(ctx context.Context, tracker *JobTracker, batch []string) (succeeded, failed int, err error) {
	for i, id := range batch {
		wait, err := s.awaitAdmission(ctx)
		if err != nil {
			return succeeded, failed, err
		}

		job, err := s.dispatch(ctx, tracker, id, wait)
		if err != nil {
			return succeeded, failed, err
		}
		if job.State == core.JobSuccess {
			succeeded++
			continue
		}
		failed++

		if ctx.Err() != nil {
			return succeeded, failed, cancelled(ctx)
		}
		if job.Reason != core.ReasonRateLimitExceeded {
			continue
		}

		s.logWarn("Provider reported quota exhaustion, failing rest of batch",
			zap.String("run_id", s.RunID),
			zap.String("job_id", id),
			zap.Int("abandoned", len(batch)-i-1))
		for _, rest := range batch[i+1:] {
			abandoned, err := tracker.Abandon(rest, core.ReasonRateLimitExceeded)
			if err != nil {
				return succeeded, failed, err
			}
			failed++
			s.finish(ctx, abandoned, core.ResultMetrics{})
		}
		break
	}
	return succeeded, failed, nil
}

// awaitAdmission polls the limiter until it admits a request.
func (s *Scheduler) awaitAdmission(ctx context.Context) (time.Duration, error) {
	start := s.now()
	for {
		if ctx.Err() != nil {
			return 0, cancelled(ctx)
		}
		now := s.now()
		if s.limiter.TryAdmit(now) {
			return now.Sub(start), nil
		}
		if err := s.sleep(ctx, s.cfg.PollInterval); err != nil {
			return 0, cancelled(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, tracker *JobTracker, id string, wait time.Duration) (core.Job, error) {
	job, err := tracker.SetState(id, core.JobConverting, nil, nil)
	if err != nil {
		return job, err
	}
	s.notifyJob(job)

	started := s.now()
	outcome, cerr := s.convert(ctx, job.Payload)
	elapsed := s.now().Sub(started)

	if cerr == nil && outcome == nil {
		cerr = fmt.Errorf("%w: converter returned no outcome", core.ErrConversion)
	}

	if cerr != nil {
		if ctx.Err() != nil && !errors.Is(cerr, core.ErrRateLimitExceeded) {
			cerr = fmt.Errorf("%w: %v", core.ErrCancelled, cerr)
		}
		job, err = tracker.SetState(id, core.JobFailed, nil, cerr)
	} else {
		result := *outcome
		if result.Duration == 0 {
			result.Duration = elapsed
		}
		job, err = tracker.SetState(id, core.JobSuccess, &result, nil)
	}
	if err != nil {
		return job, err
	}

	s.finish(ctx, job, core.ResultMetrics{AdmissionWait: wait, Duration: elapsed})
	return job, nil
}

func (s *Scheduler) convert(ctx context.Context, payload core.Payload) (outcome *core.ConversionOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = nil
			err = fmt.Errorf("%w: converter panic: %v", core.ErrConversion, r)
		}
	}()
	return s.Converter.Convert(ctx, payload)
}

// finish reports a terminal job. Persistence is best-effort.
func (s *Scheduler) finish(ctx context.Context, job core.Job, metrics core.ResultMetrics) {
	s.notifyJob(job)
	if s.Recorder != nil {
		s.Recorder.JobFinished(job, metrics)
	}

	fields := []zap.Field{
		zap.String("run_id", s.RunID),
		zap.String("job_id", job.ID),
		zap.String("state", string(job.State)),
		zap.Duration("admission_wait", metrics.AdmissionWait),
		zap.Duration("duration", metrics.Duration),
	}
	if job.State == core.JobFailed {
		s.logWarn("Conversion job failed", append(fields,
			zap.String("reason", string(job.Reason)),
			zap.String("error", job.Error))...)
	} else {
		s.logDebug("Conversion job succeeded", fields...)
	}

	if s.Sink == nil {
		return
	}
	record := core.RecordFromJob(job, metrics, s.now())
	if err := s.Sink.UpsertResult(context.WithoutCancel(ctx), record); err != nil {
		s.logWarn("Failed to persist conversion result",
			zap.String("run_id", s.RunID),
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (s *Scheduler) abandonPending(ctx context.Context, tracker *JobTracker, reason core.FailureReason) error {
	for _, id := range tracker.Pending() {
		job, err := tracker.Abandon(id, reason)
		if err != nil {
			return err
		}
		s.finish(ctx, job, core.ResultMetrics{})
	}
	return nil
}

func (s *Scheduler) finalize(tracker *JobTracker, report *core.RunReport) {
	report.Jobs = tracker.Snapshot()
	report.Succeeded = 0
	report.Failed = 0
	for _, job := range report.Jobs {
		switch job.State {
		case core.JobSuccess:
			report.Succeeded++
		case core.JobFailed:
			report.Failed++
		}
	}
	report.FinishedAt = s.now()
}

func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != core.SchedulerIdle && s.state != "" {
		return false
	}
	s.state = core.SchedulerRunning
	return true
}

func (s *Scheduler) setState(state core.SchedulerState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// newTracker binds the tracker clock once, before any goroutine shares it.
func (s *Scheduler) newTracker() *JobTracker {
	tracker := NewJobTracker()
	tracker.Clock = s.now
	return tracker
}

func (s *Scheduler) currentTracker() *JobTracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		s.tracker = s.newTracker()
	}
	return s.tracker
}

func (s *Scheduler) notifyJob(job core.Job) {
	s.notify(core.Event{Kind: core.EventJobUpdated, Job: &job})
}

func (s *Scheduler) notify(event core.Event) {
	if s.Notifier == nil {
		return
	}
	event.RunID = s.RunID
	if event.At.IsZero() {
		event.At = s.now()
	}
	s.Notifier.Notify(event)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func (s *Scheduler) now() time.Time {
	if s != nil && s.Clock != nil {
		return s.Clock()
	}
	return time.Now().UTC()
}

func (s *Scheduler) logDebug(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Debug(msg, fields...)
	}
}

func (s *Scheduler) logInfo(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Info(msg, fields...)
	}
}

func (s *Scheduler) logWarn(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Warn(msg, fields...)
	}
}

func (s *Scheduler) logError(msg string, fields ...zap.Field) {
	if s.Logger != nil {
		s.Logger.Error(msg, fields...)
	}
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", core.ErrCancelled, err)
	}
	return core.ErrCancelled
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
