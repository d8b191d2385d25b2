package core

import (
	"fmt"
	"time"
)

// RateLimitConfig bounds admissions against the conversion service.
type RateLimitConfig struct {
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
	Throttle    time.Duration `json:"throttle"`
}

// Validate checks the limit values.
func (c RateLimitConfig) Validate() error {
	switch {
	case c.MaxRequests <= 0:
		return fmt.Errorf("max requests must be positive, got %d", c.MaxRequests)
	case c.Window <= 0:
		return fmt.Errorf("window must be positive, got %s", c.Window)
	case c.Throttle < 0:
		return fmt.Errorf("throttle must not be negative, got %s", c.Throttle)
	}
	return nil
}

// RateLimitWindow captures the counting window of a rate limiter.
type RateLimitWindow struct {
	Count          int        `json:"count"`
	WindowStart    time.Time  `json:"window_start"`
	WindowEnd      time.Time  `json:"window_end"`
	LastAdmittedAt *time.Time `json:"last_admitted_at,omitempty"`
}

// RateLimitInfo is a read-only view of limiter usage at a point in time.
type RateLimitInfo struct {
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	IsThrottled bool      `json:"is_throttled"`
}
