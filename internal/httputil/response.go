package httputil

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/openfarm/farm-runtime-go/internal/errors"
)

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the standard error response format. Hint tells the
// operator what to do next; it is never empty for 4xx responses that have
// an obvious remedy.
type ErrorResponse struct {
	Error string              `json:"error"`
	Code  apperrors.ErrorCode `json:"code"`
	Hint  string              `json:"hint,omitempty"`
}

// WriteError writes an AppError as an HTTP response with the matching
// status code. Unknown errors become opaque 500s.
func WriteError(w http.ResponseWriter, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("An unexpected error occurred")
	}

	WriteJSON(w, statusFromCode(appErr.Code), ErrorResponse{
		Error: appErr.Message,
		Code:  appErr.Code,
		Hint:  appErr.Hint,
	})
}

func statusFromCode(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest

	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound

	case apperrors.ErrCodeConflict, apperrors.ErrCodeNotRunning:
		return http.StatusConflict

	// admission backpressure: the caller should simply try again shortly
	case apperrors.ErrCodeAdmissionRejected, apperrors.ErrCodeCooldownActive:
		return http.StatusTooManyRequests

	// the game gateway misbehaving is not our fault
	case apperrors.ErrCodeConnectFailed,
		apperrors.ErrCodeAuthFailed,
		apperrors.ErrCodeCallTimeout,
		apperrors.ErrCodeCallFailed,
		apperrors.ErrCodeDisconnected:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
