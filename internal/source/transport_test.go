package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

type fakeBypass struct {
	body  string
	err   error
	calls atomic.Int32
}

func (b *fakeBypass) Get(ctx context.Context, url string) (string, error) {
	b.calls.Add(1)
	if b.err != nil {
		return "", b.err
	}
	return b.body, nil
}

func newTestTransport(cfg TransportConfig) *Transport {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Millisecond
	}
	return NewTransport(cfg)
}

func statusServer(t *testing.T, code int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(code)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestTransport_Get(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusOK, "<html>ok</html>")
		body, err := newTestTransport(TransportConfig{}).Get(context.Background(), "test", srv.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(body) != "<html>ok</html>" || hits.Load() != 1 {
			t.Errorf("body = %q, hits = %d", body, hits.Load())
		}
	})

	t.Run("not found is not retried", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusNotFound, "")
		_, err := newTestTransport(TransportConfig{MaxRetries: 3}).Get(context.Background(), "test", srv.URL)
		if !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("error = %v, want status 404", err)
		}
		if hits.Load() != 1 {
			t.Errorf("hits = %d, want 1", hits.Load())
		}
	})

	t.Run("client error is not retried", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusGone, "")
		_, err := newTestTransport(TransportConfig{MaxRetries: 3}).Get(context.Background(), "test", srv.URL)
		if !IsStatus(err, http.StatusGone) {
			t.Fatalf("error = %v, want status 410", err)
		}
		if hits.Load() != 1 {
			t.Errorf("hits = %d, want 1", hits.Load())
		}
	})

	t.Run("rate limited is retried", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusTooManyRequests, "")
		newTestTransport(TransportConfig{MaxRetries: 2}).Get(context.Background(), "test", srv.URL)
		if hits.Load() != 2 {
			t.Errorf("hits = %d, want 2", hits.Load())
		}
	})

	t.Run("server error is retried", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusInternalServerError, "")
		_, err := newTestTransport(TransportConfig{MaxRetries: 3}).Get(context.Background(), "test", srv.URL)
		if !IsStatus(err, http.StatusInternalServerError) {
			t.Fatalf("error = %v, want status 500", err)
		}
		if hits.Load() != 3 {
			t.Errorf("hits = %d, want 3", hits.Load())
		}
	})

	t.Run("page too large", func(t *testing.T) {
		srv, _ := statusServer(t, http.StatusOK, strings.Repeat("x", 100))
		_, err := newTestTransport(TransportConfig{MaxRetries: 1, MaxPageBytes: 10}).Get(context.Background(), "test", srv.URL)
		if err == nil || !strings.Contains(err.Error(), "exceeds") {
			t.Errorf("error = %v, want size error", err)
		}
	})

	t.Run("forbidden uses bypass", func(t *testing.T) {
		srv, _ := statusServer(t, http.StatusForbidden, "challenge")
		bp := &fakeBypass{body: "<html>solved</html>"}
		body, err := newTestTransport(TransportConfig{Bypass: bp}).Get(context.Background(), "test", srv.URL)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if string(body) != "<html>solved</html>" || bp.calls.Load() != 1 {
			t.Errorf("body = %q, bypass calls = %d", body, bp.calls.Load())
		}
	})

	t.Run("sends basic auth", func(t *testing.T) {
		var user, pass string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, _ = r.BasicAuth()
		}))
		defer srv.Close()
		tr := newTestTransport(TransportConfig{Username: "reader", Password: "secret"})
		if _, err := tr.Get(context.Background(), "test", srv.URL); err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if user != "reader" || pass != "secret" {
			t.Errorf("basic auth = %q/%q", user, pass)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		srv, _ := statusServer(t, http.StatusInternalServerError, "")
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestTransport(TransportConfig{}).Get(ctx, "test", srv.URL)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestTransport_GetProtected(t *testing.T) {
	t.Run("bypass first", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusOK, "direct")
		bp := &fakeBypass{body: "bypassed"}
		body, err := newTestTransport(TransportConfig{Bypass: bp}).GetProtected(context.Background(), "test", srv.URL)
		if err != nil {
			t.Fatalf("GetProtected() error = %v", err)
		}
		if string(body) != "bypassed" || hits.Load() != 0 {
			t.Errorf("body = %q, direct hits = %d", body, hits.Load())
		}
	})

	t.Run("falls back to direct request", func(t *testing.T) {
		srv, hits := statusServer(t, http.StatusOK, "direct")
		bp := &fakeBypass{err: errors.New("proxy down")}
		body, err := newTestTransport(TransportConfig{Bypass: bp}).GetProtected(context.Background(), "test", srv.URL)
		if err != nil {
			t.Fatalf("GetProtected() error = %v", err)
		}
		if string(body) != "direct" || hits.Load() != 1 {
			t.Errorf("body = %q, direct hits = %d", body, hits.Load())
		}
	})

	t.Run("no bypass configured", func(t *testing.T) {
		srv, _ := statusServer(t, http.StatusOK, "direct")
		body, err := newTestTransport(TransportConfig{}).GetProtected(context.Background(), "test", srv.URL)
		if err != nil || string(body) != "direct" {
			t.Errorf("GetProtected() = %q, %v", body, err)
		}
	})
}

func TestTransport_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, hits := statusServer(t, http.StatusBadGateway, "")
	tr := newTestTransport(TransportConfig{MaxRetries: 1})

	for i := 0; i < 5; i++ {
		if _, err := tr.Get(context.Background(), "test", srv.URL); !IsStatus(err, http.StatusBadGateway) {
			t.Fatalf("request %d: error = %v", i, err)
		}
	}

	_, err := tr.Get(context.Background(), "test", srv.URL)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("error = %v, want open breaker", err)
	}
	if hits.Load() != 5 {
		t.Errorf("hits = %d, want 5", hits.Load())
	}
}

func TestTransport_NotFoundDoesNotTripBreaker(t *testing.T) {
	srv, hits := statusServer(t, http.StatusNotFound, "")
	tr := newTestTransport(TransportConfig{MaxRetries: 1})

	for i := 0; i < 8; i++ {
		if _, err := tr.Get(context.Background(), "test", srv.URL); !IsStatus(err, http.StatusNotFound) {
			t.Fatalf("request %d: error = %v", i, err)
		}
	}
	if hits.Load() != 8 {
		t.Errorf("hits = %d, want 8", hits.Load())
	}
}

func TestIsPermanentStatus(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: http.StatusBadRequest}, true},
		{&StatusError{Code: http.StatusNotFound}, true},
		{&StatusError{Code: http.StatusGone}, true},
		{&StatusError{Code: http.StatusUnavailableForLegalReasons}, true},
		{fmt.Errorf("mirror: %w", &StatusError{Code: http.StatusGone}), true},
		{&StatusError{Code: http.StatusForbidden}, false},
		{&StatusError{Code: http.StatusRequestTimeout}, false},
		{&StatusError{Code: http.StatusTooManyRequests}, false},
		{&StatusError{Code: http.StatusBadGateway}, false},
		{errors.New("connection reset"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsPermanentStatus(tt.err); got != tt.want {
			t.Errorf("IsPermanentStatus(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
