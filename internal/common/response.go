package common

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the canonical error payload rendered by every handler.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON encodes v to the response writer with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders the error envelope: {"error": {code, message, details}}.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{"error": ErrorBody{
		Code:    code,
		Message: message,
		Details: details,
	}})
}
