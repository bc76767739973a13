package endpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackzampolin/bookdrop/internal/books"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"capacity", &books.CapacityError{Resource: "download queue", Limit: 1}, http.StatusTooManyRequests},
		{"wrapped capacity", fmt.Errorf("enqueue: %w", &books.CapacityError{Resource: "records", Limit: 5}), http.StatusTooManyRequests},
		{"unsupported format", fmt.Errorf("%w: pdf", books.ErrUnsupportedFormat), http.StatusBadRequest},
		{"not found", fmt.Errorf("%w: abc", books.ErrNotFound), http.StatusNotFound},
		{"state conflict", books.ErrStateConflict, http.StatusConflict},
		{"invalid transition", books.ErrInvalidTransition, http.StatusConflict},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorStatus(tt.err); got != tt.want {
				t.Errorf("errorStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWriteErr(t *testing.T) {
	w := httptest.NewRecorder()
	writeErr(w, fmt.Errorf("%w: abc", books.ErrNotFound))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "abc") {
		t.Errorf("error = %q, want the wrapped message", resp.Error)
	}
}

func TestDecodeBody(t *testing.T) {
	var v map[string]any

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"id":"abc"}`))
	if !decodeBody(w, r, &v) || v["id"] != "abc" {
		t.Errorf("decodeBody() valid body: v = %v", v)
	}

	w = httptest.NewRecorder()
	r = httptest.NewRequest("POST", "/", strings.NewReader(`not json`))
	if decodeBody(w, r, &v) {
		t.Error("decodeBody() should reject malformed JSON")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestStaticEndpoint(t *testing.T) {
	_, _, h := (&StaticEndpoint{}).Route()

	tests := []struct {
		path     string
		want     int
		contains string
	}{
		{"/", http.StatusOK, "bookdrop"},
		{"/some/client/route", http.StatusOK, "bookdrop"},
		{"/api/unknown", http.StatusNotFound, "Resource not found"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			h(w, httptest.NewRequest("GET", tt.path, nil))
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if !strings.Contains(w.Body.String(), tt.contains) {
				t.Errorf("body does not contain %q", tt.contains)
			}
		})
	}
}
