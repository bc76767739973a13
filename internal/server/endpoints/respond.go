package endpoints

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// ErrorResponse is a standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr maps a domain error onto a status code.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	var capErr *books.CapacityError
	switch {
	case errors.As(err, &capErr):
		return http.StatusTooManyRequests
	case errors.Is(err, books.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, books.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, books.ErrStateConflict), errors.Is(err, books.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body, writing 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
