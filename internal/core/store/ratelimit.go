package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sqlshift/sqlshift/internal/core"
)

// GetRateLimit returns the stored window for an endpoint, or nil when none
// has been recorded.
func (s *Store) GetRateLimit(ctx context.Context, endpoint string) (*core.RateLimitWindow, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	row := s.DB.QueryRowContext(ctx, `
		SELECT request_count, window_start, window_end, last_admitted_at
		FROM rate_limits
		WHERE endpoint = ?
	`, endpoint)

	var (
		count          int
		windowStart    int64
		windowEnd      int64
		lastAdmittedAt sql.NullInt64
	)
	if err := row.Scan(&count, &windowStart, &windowEnd, &lastAdmittedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate limit: %w", err)
	}

	window := windowFromColumns(count, windowStart, windowEnd, lastAdmittedAt)
	return &window, nil
}

// UpdateRateLimit persists the window for an endpoint.
func (s *Store) UpdateRateLimit(ctx context.Context, endpoint string, window core.RateLimitWindow) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return errors.New("endpoint is required")
	}

	var lastAdmittedAt sql.NullInt64
	if window.LastAdmittedAt != nil {
		lastAdmittedAt = sql.NullInt64{Int64: window.LastAdmittedAt.UTC().UnixMilli(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO rate_limits (endpoint, request_count, window_start, window_end, last_admitted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			request_count = excluded.request_count,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			last_admitted_at = excluded.last_admitted_at,
			updated_at = excluded.updated_at
	`, endpoint, window.Count, window.WindowStart.UTC().UnixMilli(), window.WindowEnd.UTC().UnixMilli(),
		lastAdmittedAt, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store rate limit: %w", err)
	}

	return nil
}

func windowFromColumns(count int, start, end int64, last sql.NullInt64) core.RateLimitWindow {
	window := core.RateLimitWindow{
		Count:       count,
		WindowStart: time.UnixMilli(start).UTC(),
		WindowEnd:   time.UnixMilli(end).UTC(),
	}
	if last.Valid {
		value := time.UnixMilli(last.Int64).UTC()
		window.LastAdmittedAt = &value
	}
	return window
}
