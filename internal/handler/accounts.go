package handler

import (
	"net/http"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

// GET /api/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.manager.AccountStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": statuses})
}

// POST /api/accounts
// Creates a new account or updates an existing one. Updating a running
// account restarts it with the new login code.
func (h *Handler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertAccountParams
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Code == "" {
		writeError(w, apperrors.ValidationError("code is required").
			WithHint("paste a fresh login code from the game client"))
		return
	}

	account, created, err := h.manager.UpsertAccount(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"account": account, "created": created})
}

// DELETE /api/accounts/{accountID}
func (h *Handler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteAccount(r.Context(), accountIDParam(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

// POST /api/accounts/{accountID}/start
// Blocks through the supervisor's retry loop; the response reports the
// final state.
func (h *Handler) StartAccount(w http.ResponseWriter, r *http.Request) {
	accountID := accountIDParam(r)
	if err := h.manager.StartAccount(r.Context(), accountID); err != nil {
		writeError(w, err)
		return
	}
	status, err := h.manager.AccountStatus(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// POST /api/accounts/{accountID}/stop
func (h *Handler) StopAccount(w http.ResponseWriter, r *http.Request) {
	h.manager.StopAccount(r.Context(), accountIDParam(r))
	writeJSON(w, http.StatusOK, map[string]any{"stopped": true})
}

// GET /api/accounts/{accountID}/status
func (h *Handler) AccountStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.manager.AccountStatus(r.Context(), accountIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
