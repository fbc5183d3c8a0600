package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hackgods/telehealth-scheduling/internal/apperr"
	redisclient "github.com/hackgods/telehealth-scheduling/internal/redis"
)

type ErrorResponse struct {
	Error         string `json:"error"`
	Details       string `json:"details,omitempty"`
	Field         string `json:"field,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeAppError maps the error taxonomy onto HTTP. Anything unclassified is
// an internal error: its text is logged by LoggingMiddleware, never echoed.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	recordError(r.Context(), err)

	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
		return
	}

	e, ok := apperr.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrExternal):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, ErrorResponse{
		Error:         e.Code,
		Details:       e.Message,
		Field:         e.Field,
		CurrentStatus: e.CurrentStatus,
	})
}
