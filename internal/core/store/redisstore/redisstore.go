// Package redisstore persists conversion results in Redis as JSON documents
// with a TTL, indexed per run.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sqlshift/sqlshift/internal/config"
	"github.com/sqlshift/sqlshift/internal/core"
)

const defaultPrefix = "sqlshift"

// Sink writes result records to Redis.
type Sink struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Open connects to the configured Redis server and verifies it responds.
func Open(ctx context.Context, cfg config.RedisConfig) (*Sink, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}

	return New(client, cfg.KeyPrefix, cfg.TTL), nil
}

// New wraps an existing client. A zero ttl keeps records forever.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Sink {
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Sink{client: client, prefix: prefix, ttl: ttl}
}

// Close releases the client.
func (s *Sink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// CheckHealth pings the server.
func (s *Sink) CheckHealth(ctx context.Context) error {
	if s == nil || s.client == nil {
		return errors.New("redis sink not open")
	}
	return s.client.Ping(ctx).Err()
}

// ResultKey is the key holding a job's record.
func (s *Sink) ResultKey(jobID string) string {
	return s.prefix + ":result:" + jobID
}

// RunKey is the set of job ids written for a run.
func (s *Sink) RunKey(runID string) string {
	return s.prefix + ":run:" + runID
}

// UpsertResult stores the record and adds the job to its run index.
func (s *Sink) UpsertResult(ctx context.Context, record core.ResultRecord) error {
	if s == nil || s.client == nil {
		return errors.New("redis sink is not initialized")
	}
	if strings.TrimSpace(record.JobID) == "" {
		return errors.New("job id is required")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode result %s: %w", record.JobID, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.ResultKey(record.JobID), data, s.ttl)
		if record.RunID != "" {
			runKey := s.RunKey(record.RunID)
			pipe.SAdd(ctx, runKey, record.JobID)
			if s.ttl > 0 {
				pipe.Expire(ctx, runKey, s.ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store result %s: %w", record.JobID, err)
	}
	return nil
}

// GetResult returns the stored record, or nil when the key is missing or
// expired.
func (s *Sink) GetResult(ctx context.Context, jobID string) (*core.ResultRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis sink is not initialized")
	}

	val, err := s.client.Get(ctx, s.ResultKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch result %s: %w", jobID, err)
	}

	var record core.ResultRecord
	if err := json.Unmarshal(val, &record); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return &record, nil
}

// ListRun returns the live records of a run ordered by job id. Members whose
// record already expired are skipped.
func (s *Sink) ListRun(ctx context.Context, runID string) ([]core.ResultRecord, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis sink is not initialized")
	}

	ids, err := s.client.SMembers(ctx, s.RunKey(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list run %s: %w", runID, err)
	}
	if len(ids) == 0 {
		return []core.ResultRecord{}, nil
	}
	sort.Strings(ids)

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.ResultKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list run %s: %w", runID, err)
	}

	records := make([]core.ResultRecord, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record core.ResultRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", ids[i], err)
		}
		records = append(records, record)
	}
	return records, nil
}
