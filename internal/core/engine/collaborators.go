package engine

import (
	"context"
	"errors"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// Converter performs one conversion against the external service.
type Converter interface {
	Convert(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error)
}

// ConverterFunc adapts a function to Converter.
type ConverterFunc func(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error)

// Convert calls f.
func (f ConverterFunc) Convert(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
	return f(ctx, payload)
}

// ResultSink persists terminal job records. Upserts are keyed by job id.
type ResultSink interface {
	UpsertResult(ctx context.Context, record core.ResultRecord) error
}

// ResultSinkFunc adapts a function to ResultSink.
type ResultSinkFunc func(ctx context.Context, record core.ResultRecord) error

// UpsertResult calls f.
func (f ResultSinkFunc) UpsertResult(ctx context.Context, record core.ResultRecord) error {
	return f(ctx, record)
}

// Sinks writes every record to each sink in order. All sinks are attempted;
// their errors are joined.
func Sinks(sinks ...ResultSink) ResultSink {
	return ResultSinkFunc(func(ctx context.Context, record core.ResultRecord) error {
		var errs []error
		for _, sink := range sinks {
			if sink == nil {
				continue
			}
			if err := sink.UpsertResult(ctx, record); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Notifier receives scheduler status events. Notify must not block for long;
// it runs on the scheduler's control flow.
type Notifier interface {
	Notify(event core.Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(event core.Event)

// Notify calls f.
func (f NotifierFunc) Notify(event core.Event) {
	f(event)
}

// Notifiers fans one event out to several notifiers in order.
func Notifiers(notifiers ...Notifier) Notifier {
	return NotifierFunc(func(event core.Event) {
		for _, n := range notifiers {
			if n != nil {
				n.Notify(event)
			}
		}
	})
}

// Recorder receives scheduler measurements.
type Recorder interface {
	JobFinished(job core.Job, metrics core.ResultMetrics)
	BackpressureWait(wait time.Duration)
	RunFinished(report *core.RunReport)
}
