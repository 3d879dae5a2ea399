package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

func NewRequestID() string { return "req_" + uuid.NewString() }

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReadJSON decodes a request body leniently: unknown fields are ignored and
// numbers are kept as json.Number so handlers can coerce string-or-number ids.
func ReadJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(dst)
}

// WriteError writes the route-level error shape used across the guild API.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]any{"message": message})
}

// WriteServerError is for failures of outbound calls whose shape no client
// depends on; the request id gives operators something to grep for.
func WriteServerError(w http.ResponseWriter, err error) {
	WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"request_id": NewRequestID(),
		"message":    err.Error(),
	})
}
