package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/runtime"
)

func (h *Handler) runtimeFor(r *http.Request) (runtime.Session, error) {
	return h.manager.Runtime(r.Context(), accountIDParam(r))
}

func friendGIDParam(r *http.Request) (int64, error) {
	gid, err := strconv.ParseInt(chi.URLParam(r, "friendGID"), 10, 64)
	if err != nil || gid <= 0 {
		return 0, apperrors.ValidationError("friend gid must be a positive integer")
	}
	return gid, nil
}

// GET /api/accounts/{accountID}/lands
func (h *Handler) Lands(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	analysis, err := session.Lands(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// POST /api/accounts/{accountID}/farm
func (h *Handler) FarmOperation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Mode == "" {
		req.Mode = runtime.FarmModeAll
	}

	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := session.FarmOperation(r.Context(), req.Mode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GET /api/accounts/{accountID}/friends
func (h *Handler) Friends(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	friends, err := session.Friends(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"friends": friends})
}

// GET /api/accounts/{accountID}/friends/{friendGID}/lands
func (h *Handler) FriendLands(w http.ResponseWriter, r *http.Request) {
	gid, err := friendGIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	analysis, err := session.FriendLands(r.Context(), gid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, analysis)
}

// POST /api/accounts/{accountID}/friends/{friendGID}/op
func (h *Handler) FriendOperation(w http.ResponseWriter, r *http.Request) {
	gid, err := friendGIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Op string `json:"op"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := session.FriendOperation(r.Context(), gid, req.Op)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /api/accounts/{accountID}/seeds
func (h *Handler) Seeds(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	seeds, err := session.Seeds(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"seeds": seeds})
}

// GET /api/accounts/{accountID}/bag
func (h *Handler) Bag(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := session.Bag(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// POST /api/accounts/{accountID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := session.Sell(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// POST /api/accounts/{accountID}/tasks/claim
func (h *Handler) ClaimTasks(w http.ResponseWriter, r *http.Request) {
	session, err := h.runtimeFor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report, err := session.ClaimTasks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
