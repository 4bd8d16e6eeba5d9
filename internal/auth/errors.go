package auth

import (
	"encoding/json"
	"net/http"

	"github.com/kanbanfeed/crowbar-master-backend/internal/apperr"
	"github.com/kanbanfeed/crowbar-master-backend/internal/logging"
	"github.com/rs/zerolog/log"
)

var (
	errMissingBearer = apperr.New(apperr.KindUnauthorized, "unauthorized", "Unauthorized")
	errRejectedToken = apperr.New(apperr.KindUnauthorized, "invalid_token", "Invalid token")
)

// rejection mirrors the API error envelope so profile clients parse one shape.
type rejection struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

// reject answers 401 with e. cause, when set, goes to the request's wide
// event and never to the client.
func reject(w http.ResponseWriter, r *http.Request, e *apperr.Error, cause error) {
	logged := error(e)
	if cause != nil {
		logged = apperr.Wrap(e.Kind, e.Code, e.Message, cause)
	}
	logging.EnrichError(r.Context(), logged, e.Code)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="crowbar"`)
	w.WriteHeader(http.StatusUnauthorized)
	if err := json.NewEncoder(w).Encode(rejection{Error: e.Message, Code: e.Code}); err != nil {
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to write auth rejection")
	}
}
