// Package response writes JSON API replies.
package response

import (
	"encoding/json"
	"io"
	"net/http"

	apierrors "github.com/moolen/sentinel/internal/api/errors"
)

// WriteJSON writes a JSON response to the response writer
// It disables HTML escaping for better readability of JSON output
func WriteJSON(w io.Writer, data interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	return encoder.Encode(data)
}

// WriteSuccess sends data with HTTP 200.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteStatus(w, http.StatusOK, data)
}

func WriteStatus(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return WriteJSON(w, data)
}

// WriteError sends err with its HTTP status.
func WriteError(w http.ResponseWriter, err *apierrors.APIError) {
	_ = WriteStatus(w, err.HTTPStatus, err.Response())
}
