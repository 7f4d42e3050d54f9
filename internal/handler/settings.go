package handler

import (
	"net/http"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
	"github.com/openfarm/farm-runtime-go/internal/model"
)

// GET /api/accounts/{accountID}/settings
func (h *Handler) AccountSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.manager.Settings(r.Context(), accountIDParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// POST /api/accounts/{accountID}/settings
// Applies a partial settings patch; a running session picks the merged
// result up immediately.
func (h *Handler) SaveAccountSettings(w http.ResponseWriter, r *http.Request) {
	h.saveSettings(w, r, accountIDParam(r))
}

// GET /api/settings
func (h *Handler) DefaultSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.manager.Settings(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// POST /api/settings
// Patches the shared defaults every account without an override inherits.
func (h *Handler) SaveDefaultSettings(w http.ResponseWriter, r *http.Request) {
	h.saveSettings(w, r, "")
}

func (h *Handler) saveSettings(w http.ResponseWriter, r *http.Request, accountID string) {
	var patch model.SettingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	merged, err := h.manager.SaveSettings(r.Context(), accountID, patch)
	if err != nil {
		if _, ok := apperrors.AsAppError(err); !ok {
			err = apperrors.ValidationError(err.Error())
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

// POST /api/accounts/{accountID}/automation
// Shorthand for flipping one automation toggle.
func (h *Handler) ToggleAutomation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Class   string `json:"class"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := model.ParseActionClass(req.Class); err != nil {
		writeError(w, apperrors.ValidationError(err.Error()))
		return
	}

	merged, err := h.manager.SaveSettings(r.Context(), accountIDParam(r), model.SettingsPatch{
		Automation: map[string]bool{req.Class: req.Enabled},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}
