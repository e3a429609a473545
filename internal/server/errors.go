package server

import (
	"encoding/json"
	"net/http"

	coreerr "escrowcore/internal/errors"
	"escrowcore/internal/logging"
)

type errorResponse struct {
	StatusCode int    `json:"statusCode"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

// writeError maps err to its status and writes the JSON error body. Errors
// without a registered kind are reported as internal errors without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := coreerr.HTTPStatus(err)
	resp := errorResponse{StatusCode: status, Kind: "unknown_error", Message: "internal server error"}
	if root := coreerr.KindOf(err); root != nil {
		resp.Kind = root.Kind()
		resp.Message = coreerr.Message(err)
	}

	log := logging.L(r.Context())
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Str("kind", resp.Kind).
		Msg("request failed")

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
