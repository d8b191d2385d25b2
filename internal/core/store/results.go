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

// ResultQuery filters ListResults. Zero values match everything.
type ResultQuery struct {
	RunID string
	State core.JobState
	Limit int
}

func (q ResultQuery) whereClause() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if runID := strings.TrimSpace(q.RunID); runID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, runID)
	}
	if q.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(q.State))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

const resultColumns = `job_id, run_id, name, kind, state, reason, error, source, source_dialect,
	target_dialect, output, model, attempt, retry_of, prompt_tokens, completion_tokens,
	admission_wait_ms, duration_ms, updated_at`

// UpsertResult stores the terminal record for a job, replacing any earlier
// record with the same job id.
func (s *Store) UpsertResult(ctx context.Context, record core.ResultRecord) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if strings.TrimSpace(record.JobID) == "" {
		return errors.New("job id is required")
	}

	var (
		output           sql.NullString
		model            sql.NullString
		promptTokens     sql.NullInt64
		completionTokens sql.NullInt64
	)
	if record.Result != nil {
		output = sql.NullString{String: record.Result.Output, Valid: true}
		model = nullString(record.Result.Model)
		if usage := record.Result.Usage; usage != nil {
			promptTokens = sql.NullInt64{Int64: int64(usage.PromptTokens), Valid: true}
			completionTokens = sql.NullInt64{Int64: int64(usage.CompletionTokens), Valid: true}
		}
	}

	updatedAt := record.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO conversion_results (`+resultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			run_id = excluded.run_id,
			name = excluded.name,
			kind = excluded.kind,
			state = excluded.state,
			reason = excluded.reason,
			error = excluded.error,
			source = excluded.source,
			source_dialect = excluded.source_dialect,
			target_dialect = excluded.target_dialect,
			output = excluded.output,
			model = excluded.model,
			attempt = excluded.attempt,
			retry_of = excluded.retry_of,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			admission_wait_ms = excluded.admission_wait_ms,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at
	`,
		record.JobID,
		record.RunID,
		record.Payload.Name,
		nullString(string(record.Payload.Kind)),
		string(record.State),
		nullString(string(record.Reason)),
		nullString(record.Error),
		record.Payload.Source,
		record.Payload.SourceDialect,
		record.Payload.TargetDialect,
		output,
		model,
		record.Attempt,
		nullString(record.RetryOf),
		promptTokens,
		completionTokens,
		record.Metrics.AdmissionWait.Milliseconds(),
		record.Metrics.Duration.Milliseconds(),
		updatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	return nil
}

// GetResult returns the stored record for a job, or nil when it is unknown.
func (s *Store) GetResult(ctx context.Context, jobID string) (*core.ResultRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return nil, errors.New("job id is required")
	}

	row := s.DB.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM conversion_results WHERE job_id = ?`, jobID)
	record, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	return &record, nil
}

// ListResults returns stored records, newest first.
func (s *Store) ListResults(ctx context.Context, q ResultQuery) ([]core.ResultRecord, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	where, args := q.whereClause()
	query := fmt.Sprintf(`SELECT %s FROM conversion_results %s ORDER BY updated_at DESC, job_id`, resultColumns, where)
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	records := []core.ResultRecord{}
	for rows.Next() {
		record, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan results: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}

	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (core.ResultRecord, error) {
	var (
		record           core.ResultRecord
		kind             sql.NullString
		state            string
		reason           sql.NullString
		errText          sql.NullString
		output           sql.NullString
		model            sql.NullString
		retryOf          sql.NullString
		promptTokens     sql.NullInt64
		completionTokens sql.NullInt64
		waitMillis       int64
		durationMillis   int64
		updatedAt        int64
	)

	if err := row.Scan(
		&record.JobID,
		&record.RunID,
		&record.Payload.Name,
		&kind,
		&state,
		&reason,
		&errText,
		&record.Payload.Source,
		&record.Payload.SourceDialect,
		&record.Payload.TargetDialect,
		&output,
		&model,
		&record.Attempt,
		&retryOf,
		&promptTokens,
		&completionTokens,
		&waitMillis,
		&durationMillis,
		&updatedAt,
	); err != nil {
		return core.ResultRecord{}, err
	}

	record.Payload.Kind = core.ObjectKind(kind.String)
	record.State = core.JobState(state)
	record.Reason = core.FailureReason(reason.String)
	record.Error = errText.String
	record.RetryOf = retryOf.String
	record.Metrics = core.ResultMetrics{
		AdmissionWait: time.Duration(waitMillis) * time.Millisecond,
		Duration:      time.Duration(durationMillis) * time.Millisecond,
	}
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	if output.Valid {
		record.Result = &core.ConversionOutcome{
			Output:   output.String,
			Model:    model.String,
			Duration: record.Metrics.Duration,
		}
		if promptTokens.Valid || completionTokens.Valid {
			record.Result.Usage = &core.TokenUsage{
				PromptTokens:     int(promptTokens.Int64),
				CompletionTokens: int(completionTokens.Int64),
				TotalTokens:      int(promptTokens.Int64 + completionTokens.Int64),
			}
		}
	}

	return record, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
