package core

import "errors"

var (
	// ErrRateLimitExceeded signals confirmed quota exhaustion at the provider.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	// ErrConversion marks a per-job converter failure.
	ErrConversion = errors.New("conversion failed")
	// ErrInvalidTransition marks a job state change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid job state transition")
	// ErrCancelled marks jobs abandoned because the caller aborted the run.
	ErrCancelled = errors.New("run cancelled")
	// ErrSchedulerBusy is returned when a scheduler is asked to run twice at once.
	ErrSchedulerBusy = errors.New("scheduler is busy")
)
