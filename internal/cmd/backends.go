package cmd

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
	"github.com/sqlshift/sqlshift/internal/core/engine"
	"github.com/sqlshift/sqlshift/internal/core/store"
	"github.com/sqlshift/sqlshift/internal/core/store/redisstore"
	"github.com/sqlshift/sqlshift/internal/observability"
)

// backends holds the persistence targets a command writes to. The libsql
// store is always open since rate-limit windows live there.
type backends struct {
	db     *store.Store
	redis  *redisstore.Sink
	sink   engine.ResultSink
	window string
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := &backends{db: db, window: cfg.Scheduler.Endpoint}
	var sinks []engine.ResultSink
	if cfg.Results.Enabled(config.SinkStore) {
		sinks = append(sinks, db)
	}
	if cfg.Results.Enabled(config.SinkRedis) {
		b.redis, err = redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("open redis: %w", err)
		}
		sinks = append(sinks, b.redis)
	}
	if len(sinks) > 0 {
		b.sink = engine.Sinks(sinks...)
	}
	return b, nil
}

// saveWindow records the limiter window under the configured endpoint.
func (b *backends) saveWindow(ctx context.Context, window core.RateLimitWindow) {
	if b == nil || b.db == nil || b.window == "" {
		return
	}
	if err := b.db.UpdateRateLimit(ctx, b.window, window); err != nil {
		observability.Logger().Warn("Failed to persist rate limit window",
			zap.String("endpoint", b.window),
			zap.Error(err))
	}
}

// lookupResult reads a stored record, preferring the local store.
func (b *backends) lookupResult(ctx context.Context, jobID string) (*core.ResultRecord, error) {
	record, err := b.db.GetResult(ctx, jobID)
	if err != nil || record != nil || b.redis == nil {
		return record, err
	}
	return b.redis.GetResult(ctx, jobID)
}

func (b *backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	errs = append(errs, b.db.Close())
	return errors.Join(errs...)
}
