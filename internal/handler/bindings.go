package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/store"
)

// POST /api/bindings
// Ties a chat user to an account so their commands target it.
func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"userId"`
		AccountID string `json:"accountId"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.UserID == "" || req.AccountID == "" {
		writeError(w, apperrors.ValidationError("userId and accountId are required"))
		return
	}

	status, err := h.manager.AccountStatus(r.Context(), req.AccountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.bindings.Bind(r.Context(), req.UserID, req.AccountID, status.Account.Name); err != nil {
		writeError(w, err)
		return
	}

	binding, err := h.bindings.FindByUser(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

// GET /api/bindings/{userID}
func (h *Handler) Binding(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	binding, err := h.bindings.FindByUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if binding == nil {
		writeError(w, apperrors.NotFound("binding for user "+userID).
			WithHint("bind the user to an account first"))
		return
	}
	writeJSON(w, http.StatusOK, binding)
}

// DELETE /api/bindings/{userID}
func (h *Handler) Unbind(w http.ResponseWriter, r *http.Request) {
	if err := h.bindings.Unbind(r.Context(), chi.URLParam(r, "userID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unbound": true})
}

// GET /api/whitelist
func (h *Handler) Whitelist(w http.ResponseWriter, r *http.Request) {
	users, err := h.whitelist.List(r.Context(), store.WhitelistUser)
	if err != nil {
		writeError(w, err)
		return
	}
	groups, err := h.whitelist.List(r.Context(), store.WhitelistGroup)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users, "groups": groups})
}

type whitelistRequest struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (req whitelistRequest) validate() error {
	if req.Type != store.WhitelistUser && req.Type != store.WhitelistGroup {
		return apperrors.ValidationError("type must be user or group")
	}
	if req.ID == "" {
		return apperrors.ValidationError("id is required")
	}
	return nil
}

// POST /api/whitelist
func (h *Handler) WhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.whitelist.Add(r.Context(), req.Type, req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": true})
}

// DELETE /api/whitelist
func (h *Handler) WhitelistRemove(w http.ResponseWriter, r *http.Request) {
	var req whitelistRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	if err := h.whitelist.Remove(r.Context(), req.Type, req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}
