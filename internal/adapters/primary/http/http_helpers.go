package http

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body for error replies on the gateway's small
// REST surface.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes v as a JSON response with the given status. Encoding
// errors after the header is out cannot be reported to the client and are
// dropped.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
