package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/beacon/internal/notify"
	"github.com/alecgard/beacon/internal/scheduler"
)

type opsHandler struct {
	deadLetters DeadLetterLister
	tasks       TaskTrigger
	health      HealthChecker
}

// Health handles GET /health. Degraded dependencies answer 503 so load
// balancers can act on the status code alone.
func (h *opsHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	rep := h.health.Check(r.Context())
	status := http.StatusOK
	if !rep.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

// ListDeadLetters handles GET /api/v1/admin/dead-letters.
func (h *opsHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "notification queue is not configured")
		return
	}
	limit, ok := parseLimit(r, 50)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}

	msgs, err := h.deadLetters.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list dead letters")
		return
	}
	if msgs == nil {
		msgs = []notify.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": msgs})
}

// RunTask handles POST /api/v1/admin/tasks/{name}/run.
func (h *opsHandler) RunTask(w http.ResponseWriter, r *http.Request) {
	if h.tasks == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "scheduler is not configured")
		return
	}
	name := chi.URLParam(r, "name")

	switch err := h.tasks.RunNow(name); {
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeError(w, http.StatusNotFound, "not_found", "unknown task "+name)
		return
	case errors.Is(err, scheduler.ErrTaskRunning):
		writeError(w, http.StatusConflict, "task_running", "task "+name+" is already running")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start task")
		return
	}

	auditLog(r, "task.run", "task", name)
	writeJSON(w, http.StatusAccepted, map[string]string{"task": name, "status": "started"})
}
