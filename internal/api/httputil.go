package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/apphub/catalog/pkg/catalogerr"
)

// WriteJSON writes a JSON response with the given status code, logging
// (rather than failing) an encode error since headers are already sent.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError writes a {"error": message} JSON body at status.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// WriteErr maps a catalogerr.Kind (if err carries one) to an HTTP status
// and writes the error body, so every handler gets consistent status codes
// for the same failure categories the engine already classifies errors by.
func WriteErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch catalogerr.KindOf(err) {
	case catalogerr.Validation:
		status = http.StatusBadRequest
	case catalogerr.Conflict:
		status = http.StatusConflict
	case catalogerr.NotFound:
		status = http.StatusNotFound
	case catalogerr.Transient:
		status = http.StatusServiceUnavailable
	case catalogerr.Canceled:
		status = http.StatusGone
	}
	WriteError(w, status, err.Error())
}
