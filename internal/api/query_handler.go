package api

import (
	"net/http"
	"time"

	"github.com/alecgard/beacon/internal/aggregation"
)

type queryHandler struct {
	aggregates AggregateQuerier
	costs      CostQuerier
}

// Aggregates handles GET /api/v1/aggregates. Without fn it lists windows;
// with fn=sum|avg|min|max|count it reduces them to one value.
func (h *queryHandler) Aggregates(w http.ResponseWriter, r *http.Request) {
	if h.aggregates == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "aggregate queries are not configured")
		return
	}

	qs := r.URL.Query()
	q := aggregation.Query{
		SourceID:   qs.Get("source"),
		MetricName: qs.Get("metric"),
	}
	var err error
	if q.From, err = parseTimeParam(qs.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339, YYYY-MM-DD or Unix milliseconds")
		return
	}
	if q.To, err = parseTimeParam(qs.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339, YYYY-MM-DD or Unix milliseconds")
		return
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		writeError(w, http.StatusBadRequest, "invalid_range", "from must be before to")
		return
	}
	limit, ok := parseLimit(r, 100)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	q.Limit = limit

	if fn := aggregation.Func(qs.Get("fn")); fn != "" {
		if !fn.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_fn", "fn must be one of: sum, avg, min, max, count")
			return
		}
		res, err := h.aggregates.Reduce(r.Context(), q, fn)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to query aggregates")
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	items, err := h.aggregates.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to query aggregates")
		return
	}
	if items == nil {
		items = []aggregation.AggregatedMetric{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"aggregates": items})
}

// Costs handles GET /api/v1/costs. The period defaults to the last 30 days.
func (h *queryHandler) Costs(w http.ResponseWriter, r *http.Request) {
	if h.costs == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "cost queries are not configured")
		return
	}

	qs := r.URL.Query()
	from, err := parseTimeParam(qs.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_from", "from must be RFC3339, YYYY-MM-DD or Unix milliseconds")
		return
	}
	to, err := parseTimeParam(qs.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_to", "to must be RFC3339, YYYY-MM-DD or Unix milliseconds")
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "invalid_range", "from must be before to")
		return
	}

	sum, err := h.costs.Summary(r.Context(), from, to, qs.Get("breakdown") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to summarize costs")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
