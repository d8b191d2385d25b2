package ailink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sqlshift/sqlshift/internal/ailink/driver"
	"github.com/sqlshift/sqlshift/internal/core"
)

// ConversionError is a classified provider failure. It unwraps to the core
// sentinel the scheduler acts on.
type ConversionError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`

	cause error
}

func (e *ConversionError) Error() string {
	if e == nil {
		return "conversion error"
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Message, e.Details, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *ConversionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrRateLimitExceeded) || errors.Is(err, core.ErrConversion) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &ConversionError{Code: "AILINK_CANCELLED", Message: "provider request cancelled", cause: core.ErrCancelled}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ConversionError{Code: "AILINK_PROVIDER_TIMEOUT", Message: "provider request timed out", cause: core.ErrConversion}
	}

	var perr *driver.ProviderError
	if errors.As(err, &perr) && perr != nil {
		status := perr.StatusCode
		details := safeOneLine(perr.Message)
		switch {
		case perr.RateLimited():
			return &ConversionError{Code: "AILINK_PROVIDER_RATE_LIMIT", Message: "provider rate limited", Details: details, cause: core.ErrRateLimitExceeded}
		case status == 401 || status == 403:
			return &ConversionError{Code: "AILINK_PROVIDER_AUTH", Message: "provider authentication failed", Details: details, cause: core.ErrConversion}
		case status >= 500 && status <= 599:
			return &ConversionError{Code: "AILINK_PROVIDER_UNAVAILABLE", Message: "provider unavailable", Details: details, cause: core.ErrConversion}
		case status >= 400 && status <= 499:
			return &ConversionError{Code: "AILINK_PROVIDER_BAD_REQUEST", Message: "provider rejected request", Details: details, cause: core.ErrConversion}
		default:
			return &ConversionError{Code: "AILINK_PROVIDER_ERROR", Message: "provider request failed", Details: details, cause: core.ErrConversion}
		}
	}

	return &ConversionError{Code: "AILINK_PROVIDER_ERROR", Message: "provider request failed", Details: strings.TrimSpace(err.Error()), cause: core.ErrConversion}
}
