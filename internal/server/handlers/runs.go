package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/core"
	apperrors "github.com/sqlshift/sqlshift/internal/errors"
	"github.com/sqlshift/sqlshift/internal/manifest"
	"github.com/sqlshift/sqlshift/internal/metrics"
	"github.com/sqlshift/sqlshift/internal/observability"
	"github.com/sqlshift/sqlshift/internal/runs"
)

const maxRunBodyBytes = 10 << 20

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	Defaults manifest.Defaults `json:"defaults"`
	Jobs     []RunRequestJob   `json:"jobs"`
}

// RunRequestJob is one submitted job. ID is optional.
type RunRequestJob struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	Kind          core.ObjectKind `json:"kind,omitempty"`
	Source        string          `json:"source"`
	SourceDialect string          `json:"source_dialect,omitempty"`
	TargetDialect string          `json:"target_dialect,omitempty"`
}

// RunAccepted is returned when a run or retry is queued.
type RunAccepted struct {
	RunID     string    `json:"run_id"`
	Jobs      int       `json:"jobs,omitempty"`
	Job       *core.Job `json:"job,omitempty"`
	StatusURL string    `json:"status_url"`
	EventsURL string    `json:"events_url"`
}

// RunList is returned by GET /v1/runs.
type RunList struct {
	Runs []runs.Status `json:"runs"`
}

// RunsHandler serves the run API on top of a runs.Manager.
type RunsHandler struct {
	manager *runs.Manager
}

// NewRunsHandler returns a handler bound to manager.
func NewRunsHandler(manager *runs.Manager) *RunsHandler {
	return &RunsHandler{manager: manager}
}

// Create starts a run from the submitted jobs.
func (h *RunsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRunBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		respondWithError(w, r, apperrors.WrapInvalidInput(r.Context(), err, "request body is not a valid run request"))
		return
	}

	jobs, err := req.toJobs()
	if err != nil {
		respondWithError(w, r, apperrors.WrapValidationError(r.Context(), err, err.Error()))
		return
	}

	session, err := h.manager.Start(jobs)
	if err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}

	metrics.RecordRunSubmitted(len(jobs))
	logInfo("Run submitted", zap.String("run_id", session.ID), zap.Int("jobs", len(jobs)))

	writeJSON(w, http.StatusAccepted, RunAccepted{
		RunID:     session.ID,
		Jobs:      len(jobs),
		StatusURL: "/v1/runs/" + session.ID,
		EventsURL: "/v1/runs/" + session.ID + "/events",
	})
}

// List returns every retained run without per-job detail.
func (h *RunsHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := h.manager.List()
	active := 0
	for _, status := range statuses {
		if status.Active {
			active++
		}
	}
	metrics.SetActiveRuns(active)

	writeJSON(w, http.StatusOK, RunList{Runs: statuses})
}

// Get returns one run with its jobs and, once finished, its report.
func (h *RunsHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.manager.Get(chi.URLParam(r, "runID"))
	if err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusOK, session.Status(true))
}

// Cancel aborts a run.
func (h *RunsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if err := h.manager.Cancel(runID); err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}

	session, err := h.manager.Get(runID)
	if err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}
	writeJSON(w, http.StatusAccepted, session.Status(false))
}

// Retry re-submits a failed job of an idle run.
func (h *RunsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	job, err := h.manager.Retry(runID, chi.URLParam(r, "jobID"))
	if err != nil {
		respondWithError(w, r, runError(r.Context(), err))
		return
	}

	writeJSON(w, http.StatusAccepted, RunAccepted{
		RunID:     runID,
		Job:       &job,
		StatusURL: "/v1/runs/" + runID,
		EventsURL: "/v1/runs/" + runID + "/events",
	})
}

func (req RunRequest) toJobs() ([]core.Job, error) {
	if len(req.Jobs) == 0 {
		return nil, runs.ErrNoJobs
	}

	seen := make(map[string]int, len(req.Jobs))
	items := make([]manifest.Item, 0, len(req.Jobs))
	for i, job := range req.Jobs {
		payload := core.Payload{
			Name:          strings.TrimSpace(job.Name),
			Kind:          firstKind(job.Kind, req.Defaults.Kind),
			Source:        job.Source,
			SourceDialect: firstNonEmpty(job.SourceDialect, req.Defaults.SourceDialect),
			TargetDialect: firstNonEmpty(job.TargetDialect, req.Defaults.TargetDialect),
		}
		if err := manifest.Validate(payload); err != nil {
			return nil, fmt.Errorf("job %d: %w", i+1, err)
		}

		id := strings.TrimSpace(job.ID)
		if id != "" {
			if prev, dup := seen[id]; dup {
				return nil, fmt.Errorf("job %d: id %q already used by job %d", i+1, id, prev)
			}
			seen[id] = i + 1
		}
		items = append(items, manifest.Item{ID: id, Payload: payload})
	}
	return manifest.Jobs(items), nil
}

func runError(ctx context.Context, err error) error {
	switch {
	case stderrors.Is(err, runs.ErrRunNotFound):
		return apperrors.Wrap(ctx, apperrors.CodeRunNotFound, err, "run not found")
	case stderrors.Is(err, runs.ErrJobNotFound):
		return apperrors.Wrap(ctx, apperrors.CodeJobNotFound, err, "job not found in run")
	case stderrors.Is(err, runs.ErrRunActive), stderrors.Is(err, core.ErrSchedulerBusy):
		return apperrors.Wrap(ctx, apperrors.CodeRunActive, err, "run is still active")
	case stderrors.Is(err, runs.ErrJobNotFailed):
		return apperrors.Wrap(ctx, apperrors.CodeJobNotRetryable, err, "only failed jobs can be retried")
	case stderrors.Is(err, runs.ErrNoJobs):
		return apperrors.WrapValidationError(ctx, err, err.Error())
	default:
		return apperrors.WrapInternal(ctx, err, "run request failed")
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func firstKind(values ...core.ObjectKind) core.ObjectKind {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func logInfo(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info(msg, fields...)
	}
}

func logDebug(msg string, fields ...zap.Field) {
	if observability.ServerLogger != nil {
		observability.ServerLogger.Debug(msg, fields...)
	}
}
