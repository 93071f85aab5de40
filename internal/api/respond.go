package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/outpatient-queue/internal/appointment"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeEngineError maps an engine error onto a status code. Anything that is
// not a typed engine error is logged and reported as internal.
func writeEngineError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var e *appointment.Error
	if !errors.As(err, &e) {
		logger.Error().Err(err).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected error")
		return
	}

	resp := ErrorResponse{Error: e.Code, Kind: string(e.Kind), Details: e.Message}
	status := http.StatusInternalServerError
	switch e.Kind {
	case appointment.KindAdmission:
		status = http.StatusConflict
	case appointment.KindTransition:
		status = http.StatusConflict
		resp.Refresh = true
	case appointment.KindNotFound:
		status = http.StatusNotFound
	case appointment.KindValidation:
		status = http.StatusBadRequest
	case appointment.KindForbidden:
		status = http.StatusForbidden
	case appointment.KindTransient:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
		logger.Warn().Err(err).Msg("request failed after retries")
	}
	writeJSON(w, status, resp)
}
