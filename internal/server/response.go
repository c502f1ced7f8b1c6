package server

import (
	"encoding/json"
	"net/http"

	"github.com/opencode-core/engine/pkg/types"
)

// ErrorResponse is the API's error envelope: {type, error: {type, message}}.
// The outer type mirrors the inner one so SDK clients can discriminate on
// either field without inspecting the HTTP status.
type ErrorResponse struct {
	Type  types.ErrorKind `json:"type"`
	Error ErrorDetail     `json:"error"`
}

// ErrorDetail carries the canonical error kind from the error handling
// design plus a human-readable message.
type ErrorDetail struct {
	Type    types.ErrorKind `json:"type"`
	Message string          `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response using one of the canonical error
// kinds from the error handling design.
func writeError(w http.ResponseWriter, status int, kind types.ErrorKind, message string) {
	writeJSON(w, status, ErrorResponse{
		Type: kind,
		Error: ErrorDetail{
			Type:    kind,
			Message: message,
		},
	})
}

// writeSuccess writes a bare success acknowledgement.
func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// statusForErrorKind maps a canonical error kind onto its HTTP status, per
// spec.md §7's "Surface" column.
func statusForErrorKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorNotFound:
		return http.StatusNotFound
	case types.ErrorBusy:
		return http.StatusConflict
	case types.ErrorPermDenied, types.ErrorToolBlocked:
		return http.StatusForbidden
	case types.ErrorAuth:
		return http.StatusUnauthorized
	case types.ErrorOverflow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeInternalError writes a generic Unknown-kind 500, the catch-all for
// errors the handler did not classify more precisely.
func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, types.ErrorUnknown, err.Error())
}
