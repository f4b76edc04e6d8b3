package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/beacon/internal/alert"
	"github.com/alecgard/beacon/internal/storage"
)

type rulesHandler struct {
	rules  RuleManager
	alerts AlertResolver
}

// Create handles POST /api/v1/admin/rules.
func (h *rulesHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input alert.CreateRuleInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	rule, err := h.rules.Create(r.Context(), input)
	if err != nil {
		writeStoreError(w, err, "rule")
		return
	}

	auditLog(r, "rule.create", "rule", rule.ID, "name", rule.Name, "metric", rule.MetricName)
	writeJSON(w, http.StatusCreated, rule)
}

// List handles GET /api/v1/admin/rules.
func (h *rulesHandler) List(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.List(r.Context())
	if err != nil {
		writeStoreError(w, err, "rules")
		return
	}
	if rules == nil {
		rules = []*alert.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
}

// Get handles GET /api/v1/admin/rules/{id}.
func (h *rulesHandler) Get(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// Update handles PATCH /api/v1/admin/rules/{id}.
func (h *rulesHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var input alert.UpdateRuleInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	rule, err := h.rules.Update(r.Context(), id, input)
	if err != nil {
		writeStoreError(w, err, "rule")
		return
	}

	auditLog(r, "rule.update", "rule", id)
	writeJSON(w, http.StatusOK, rule)
}

// Delete handles DELETE /api/v1/admin/rules/{id}. A rule with an open alert
// is refused; past alerts are kept.
func (h *rulesHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.rules.Delete(r.Context(), id); err != nil {
		if errors.Is(err, alert.ErrRuleHasOpenAlert) {
			writeError(w, http.StatusConflict, "rule_has_open_alert", "resolve the rule's open alert before deleting it")
			return
		}
		writeStoreError(w, err, "rule")
		return
	}

	auditLog(r, "rule.delete", "rule", id)
	w.WriteHeader(http.StatusNoContent)
}

// History handles GET /api/v1/admin/alerts.
func (h *rulesHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	q := alert.HistoryQuery{
		RuleID:   r.URL.Query().Get("rule_id"),
		OpenOnly: r.URL.Query().Get("open") == "true",
		Limit:    limit,
	}

	items, err := h.rules.History(r.Context(), q)
	if err != nil {
		writeStoreError(w, err, "alerts")
		return
	}
	if items == nil {
		items = []*alert.History{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": items})
}

// Resolve handles POST /api/v1/admin/alerts/{id}/resolve.
func (h *rulesHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	if h.alerts == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "alert resolution is not configured")
		return
	}
	id := chi.URLParam(r, "id")

	hist, err := h.alerts.GetHistory(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "alert")
		return
	}
	if !hist.Open() {
		writeError(w, http.StatusConflict, "already_resolved", "alert is already resolved")
		return
	}

	// A deleted rule still lets the alert close; only the notification is skipped.
	rule, err := h.rules.Get(r.Context(), hist.RuleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		writeStoreError(w, err, "rule")
		return
	}

	resolved, err := h.alerts.Resolve(r.Context(), id, rule)
	if err != nil {
		// Lost a race with the evaluator.
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusConflict, "already_resolved", "alert is already resolved")
			return
		}
		writeStoreError(w, err, "alert")
		return
	}

	auditLog(r, "alert.resolve", "alert", id, "rule_id", hist.RuleID)
	writeJSON(w, http.StatusOK, resolved)
}
