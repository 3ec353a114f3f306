package handoffapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, `{"error":"since must be RFC 3339"}`, http.StatusBadRequest)
			return
		}
		since = t
	}

	stats, err := a.svc.Stats(r.Context(), tenantID, since)
	if err != nil {
		a.writeError(w, r, err, "tenant stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleProcessQueue(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "id")

	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"limit must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	assigned, err := a.queue.ProcessQueue(r.Context(), tenantID, limit)
	if err != nil {
		a.writeError(w, r, err, "process queue")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"assigned": assigned})
}
