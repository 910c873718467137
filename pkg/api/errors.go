package api

import (
	"encoding/json"
	"net/http"
)

// Error codes carried in the REST envelope. They are the same taxonomy the
// broker puts on its close frames so clients see one vocabulary.
const (
	codeMissingKey      = "missing_key"
	codeInvalidKey      = "invalid_key"
	codeRateLimited     = "rate_limited"
	codeNotFound        = "not_found"
	codeConflict        = "conflict"
	codeSchemaViolation = "schema_violation"
	codeInternalError   = "internal_error"
)

// errorBody is the single error envelope every REST failure uses.
type errorBody struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// writeError emits the envelope. Details are optional human-readable
// fragments; they never carry key material or stack traces.
func writeError(w http.ResponseWriter, status int, code string, details ...string) {
	writeJSON(w, status, errorBody{Error: code, Details: details})
}

// writeJSON serializes v with the status. Once the header is out an encode
// failure cannot be reported to the client, so it is dropped.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
