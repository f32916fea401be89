package httpapi

import (
	"encoding/json"
	"net/http"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, errorBody{Error: code, Details: details})
}

func badRequest(w http.ResponseWriter, details string) {
	writeError(w, http.StatusBadRequest, "invalid_request", details)
}

func notFound(w http.ResponseWriter, details string) {
	writeError(w, http.StatusNotFound, "not_found", details)
}

func internalError(w http.ResponseWriter) {
	// Never leak internals on 500s.
	writeError(w, http.StatusInternalServerError, "internal_error", "")
}

// decodeBody strictly decodes a JSON body into dst. Unknown fields are
// rejected so schema mistakes surface as 400s instead of silent drops.
func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
