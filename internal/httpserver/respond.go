package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the uniform response shape for every handler in this service:
// {success, data?, error?, detail?}. Success responses carry data; failure
// responses carry error (a short machine-readable code) and an optional
// detail (a human-readable string or a structured object, e.g. field-level
// validation errors).
type envelope struct {
	Success bool `json:"success"`
	Data    any  `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Detail  any  `json:"detail,omitempty"`
}

// Respond writes a successful JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

// RespondError writes a failure JSON response. detail may be nil, a string,
// or a structured value (e.g. []ValidationError).
func RespondError(w http.ResponseWriter, status int, code string, detail any) {
	writeEnvelope(w, status, envelope{Success: false, Error: code, Detail: detail})
}

func writeEnvelope(w http.ResponseWriter, status int, e envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(e); err != nil {
		slog.Error("encoding response", "error", err)
	}
}
