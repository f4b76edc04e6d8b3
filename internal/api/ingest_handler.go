package api

import (
	"errors"
	"net/http"

	"github.com/alecgard/beacon/internal/aggregation"
)

const maxBatchSize = 5000

type ingestHandler struct {
	svc SampleSubmitter
}

type ingestRequest struct {
	Samples []aggregation.MetricSample `json:"samples"`
}

// Submit handles POST /api/v1/ingest. The response is 202 with per-batch
// counts; individual bad samples do not fail the request.
func (h *ingestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	if h.svc == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "ingestion is not configured")
		return
	}

	var req ingestRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if len(req.Samples) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_body", "samples must not be empty")
		return
	}
	if len(req.Samples) > maxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large", "at most 5000 samples per request")
		return
	}

	// A header-level source applies to samples that omit their own.
	if src := r.Header.Get("X-Source-ID"); src != "" {
		for i := range req.Samples {
			if req.Samples[i].SourceID == "" {
				req.Samples[i].SourceID = src
			}
		}
	}

	res, err := h.svc.Submit(req.Samples)
	if err != nil && res.Accepted == 0 {
		if errors.Is(err, aggregation.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to ingest samples")
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
