package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

var errInvalidBody = apperr.New(apperr.KindValidation, "invalid_body", "Invalid request body")

type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

// writeError maps err to a status code and a client-safe message. Causes of
// internal and upstream errors are logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(apperr.KindOf(err))
	message, code := internalServerError, string(apperr.KindInternal)
	if e, ok := apperr.As(err); ok {
		code = e.Code
		message = e.Message
		if e.Kind == apperr.KindInternal {
			message = internalServerError
		}
	}

	logging.EnrichError(r.Context(), err, code)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", r.URL.Path).Str("code", code).Msg("Request failed")
	}
	writeJSON(w, status, envelope{Success: false, Error: message, Code: code})
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindWebhookSignature:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindBalanceMismatch:
		return http.StatusUnprocessableEntity
	case apperr.KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(errInvalidBody.Kind, errInvalidBody.Code, errInvalidBody.Message, err)
	}
	return nil
}
