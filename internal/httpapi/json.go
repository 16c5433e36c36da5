package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/ctxfold/sidecar/internal/apperrors"
	. "github.com/ctxfold/sidecar/internal/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_error("httpapi: failed to encode response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeErr maps an error to its apperrors status code (500 for anything
// unclassified) and writes a {"error": ...} body.
func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.StatusCode(err), map[string]string{"error": err.Error()})
}
