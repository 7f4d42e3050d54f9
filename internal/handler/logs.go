package handler

import (
	"net/http"
	"strconv"

	"github.com/openfarm/farm-runtime-go/internal/runtime"
)

// GET /api/status
func (h *Handler) ServiceStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.ServiceStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GET /api/logs?account=&module=&event=&warn=&keyword=&limit=
func (h *Handler) Logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := runtime.LogFilter{
		AccountID: q.Get("account"),
		Module:    q.Get("module"),
		Event:     q.Get("event"),
		Keyword:   q.Get("keyword"),
	}
	if warn := q.Get("warn"); warn != "" {
		filter.WarnOnly = warn == "1" || warn == "true"
	}
	if limit := q.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			filter.Limit = n
		}
	}

	entries := h.manager.Logs(filter)
	writeJSON(w, http.StatusOK, map[string]any{"logs": entries, "count": len(entries)})
}
