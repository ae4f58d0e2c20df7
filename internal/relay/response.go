package relay

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	Error     errorInfo `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

type errorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// Error codes returned in JSON error bodies.
const (
	codeInvalidRequest   = "invalid_request"
	codeValidation       = "validation_error"
	codeBodyTooLarge     = "request_too_large"
	codeModelUnavailable = "model_unavailable"
	codeSynthesis        = "synthesis_failed"
	codeInternal         = "internal"
)

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message, field string) {
	writeJSON(w, status, errorBody{
		Error:     errorInfo{Code: code, Message: message, Field: field},
		RequestID: RequestIDFromContext(r.Context()),
	})
}
