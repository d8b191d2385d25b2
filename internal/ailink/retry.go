package ailink

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

const (
	defaultRetryMax     = 3
	defaultRetryWaitMin = 500 * time.Millisecond
	defaultRetryWaitMax = 10 * time.Second
)

// retryLogger adapts retryablehttp's leveled logger to the service logger.
type retryLogger struct {
	logger *logging.Logger
}

func (l retryLogger) Error(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Error(msg, kvFields(keysAndValues)...)
	}
}

func (l retryLogger) Info(msg string, keysAndValues ...interface{}) {}

func (l retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Debug(msg, kvFields(keysAndValues)...)
	}
}

func (l retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(msg, kvFields(keysAndValues)...)
	}
}

func kvFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}

// NewHTTPClient wraps net/http with retries for transient transport and 5xx
// failures. 429 responses are handed back untouched so quota exhaustion is
// reported to the scheduler instead of being hidden behind backoff.
func NewHTTPClient(cfg RetryConfig, logger *logging.Logger) *http.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = cfg.MaxRetries
	if client.RetryMax < 0 {
		client.RetryMax = 0
	}
	if cfg.MaxRetries == 0 && cfg.WaitMin == 0 && cfg.WaitMax == 0 {
		client.RetryMax = defaultRetryMax
	}
	client.RetryWaitMin = durationOr(cfg.WaitMin, defaultRetryWaitMin)
	client.RetryWaitMax = durationOr(cfg.WaitMax, defaultRetryWaitMax)
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = retryLogger{logger: logger}
	return client.StandardClient()
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return fallback
}
