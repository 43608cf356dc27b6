package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lumen-bi/lumen-engine/pkg/datasource"
	"github.com/lumen-bi/lumen-engine/pkg/jobs"
)

// EnqueueJobRequest for POST /api/jobs.
type EnqueueJobRequest struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Priority     int            `json:"priority"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxAttempts  int            `json:"max_attempts"`
}

// EnqueueJobResponse reports the stored job and whether this call created it.
type EnqueueJobResponse struct {
	Job     *jobs.Job `json:"job"`
	Created bool      `json:"created"`
}

// RepeatingSpecRequest for PUT /api/jobs/repeating/{id}.
type RepeatingSpecRequest struct {
	Type        string         `json:"type"`
	CronExpr    string         `json:"cron"`
	Timezone    string         `json:"timezone"`
	Payload     map[string]any `json:"payload"`
	Priority    int            `json:"priority"`
	MaxAttempts int            `json:"max_attempts"`
	Enabled     bool           `json:"enabled"`
}

// JobsHandler exposes the job queue: enqueue, status, repeating specs and
// connection registry stats.
type JobsHandler struct {
	queue    *jobs.Queue
	registry *datasource.Registry
	logger   *zap.Logger
}

// NewJobsHandler creates a new JobsHandler.
func NewJobsHandler(queue *jobs.Queue, registry *datasource.Registry, logger *zap.Logger) *JobsHandler {
	return &JobsHandler{queue: queue, registry: registry, logger: logger}
}

// RegisterRoutes registers the jobs handler's routes on the given mux.
func (h *JobsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", h.Enqueue)
	mux.HandleFunc("GET /api/jobs/stats", h.Stats)
	mux.HandleFunc("GET /api/jobs/{id}", h.Get)
	mux.HandleFunc("POST /api/jobs/{id}/retry", h.Retry)
	mux.HandleFunc("DELETE /api/jobs/{id}", h.Remove)
	mux.HandleFunc("GET /api/jobs/repeating", h.ListRepeating)
	mux.HandleFunc("PUT /api/jobs/repeating/{id}", h.UpsertRepeating)
	mux.HandleFunc("DELETE /api/jobs/repeating/{id}", h.RemoveRepeating)
}

// Enqueue handles POST /api/jobs.
func (h *JobsHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	job, created, err := h.queue.Enqueue(r.Context(), jobs.EnqueueParams{
		ID:          req.ID,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
		MaxAttempts: req.MaxAttempts,
	})
	if err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "enqueue_failed", err.Error())
		return
	}

	// An id collision with a live job returns the existing record.
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}

	if err := WriteJSON(w, status, EnqueueJobResponse{Job: job, Created: created}); err != nil {
		h.logger.Error("Failed to encode enqueue response", zap.Error(err))
	}
}

// Get handles GET /api/jobs/{id}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			_ = ErrorResponse(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		h.logger.Error("Failed to get job", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to get job")
		return
	}

	if err := WriteJSON(w, http.StatusOK, job); err != nil {
		h.logger.Error("Failed to encode job response", zap.Error(err))
	}
}

// Retry handles POST /api/jobs/{id}/retry. Only terminally failed jobs can
// be requeued; the attempt count carries over.
func (h *JobsHandler) Retry(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Retry(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		_ = ErrorResponse(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, jobs.ErrNotFailed):
		_ = ErrorResponse(w, http.StatusConflict, "not_failed", "only failed jobs can be retried")
	case err != nil:
		h.logger.Error("Failed to retry job", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to retry job")
	default:
		if err := WriteJSON(w, http.StatusOK, job); err != nil {
			h.logger.Error("Failed to encode retry response", zap.Error(err))
		}
	}
}

// Remove handles DELETE /api/jobs/{id}. Deletion is idempotent: any status
// is removable and unknown ids still return 204.
func (h *JobsHandler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Remove(r.Context(), r.PathValue("id")); err != nil {
		h.logger.Error("Failed to remove job", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to remove job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /api/jobs/stats. Returns queue depth by status plus the
// connection registry snapshot.
func (h *JobsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to get queue status", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to get queue status")
		return
	}

	resp := map[string]any{
		"jobs":        counts,
		"connections": h.registry.Stats(),
	}

	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

// ListRepeating handles GET /api/jobs/repeating.
func (h *JobsHandler) ListRepeating(w http.ResponseWriter, r *http.Request) {
	specs, err := h.queue.ListRepeating(r.Context())
	if err != nil {
		h.logger.Error("Failed to list repeating specs", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to list repeating specs")
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{"specs": specs}); err != nil {
		h.logger.Error("Failed to encode repeating specs response", zap.Error(err))
	}
}

// UpsertRepeating handles PUT /api/jobs/repeating/{id}.
func (h *JobsHandler) UpsertRepeating(w http.ResponseWriter, r *http.Request) {
	var req RepeatingSpecRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	spec := &jobs.RepeatingSpec{
		ID:          r.PathValue("id"),
		Type:        req.Type,
		CronExpr:    req.CronExpr,
		Timezone:    req.Timezone,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     req.Enabled,
	}
	if err := h.queue.EnqueueRepeating(r.Context(), spec); err != nil {
		_ = ErrorResponse(w, http.StatusBadRequest, "invalid_spec", err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, spec); err != nil {
		h.logger.Error("Failed to encode repeating spec response", zap.Error(err))
	}
}

// RemoveRepeating handles DELETE /api/jobs/repeating/{id}.
func (h *JobsHandler) RemoveRepeating(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.RemoveRepeating(r.Context(), r.PathValue("id")); err != nil {
		h.logger.Error("Failed to remove repeating spec", zap.Error(err))
		_ = ErrorResponse(w, http.StatusInternalServerError, "internal_error", "failed to remove repeating spec")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
