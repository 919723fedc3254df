package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is the JSON error response. Code carries the structured
// failure code when one applies; clients fall back to message text
// matching when it is empty.
type errorBody struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response. Encoding failures after WriteHeader
// cannot reach the client; they surface in request logs only through
// truncated bodies.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
