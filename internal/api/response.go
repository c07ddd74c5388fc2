// Package api provides the HTTP and WebSocket surface of the engine: the
// webhook endpoint, workflow inspection and control routes, the
// observability ingest routes the emitter posts to, and the live event
// stream.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	adwerrors "github.com/randalmurphal/adw/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError maps engine errors to HTTP responses by their category.
func HandleError(w http.ResponseWriter, err error) {
	var adwErr *adwerrors.ADWError
	if errors.As(err, &adwErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(adwErr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{
			Error: adwErr.What,
			Code:  string(adwErr.Code),
		})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}
