package bypass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSolver struct {
	ready    bool
	failures int32 // POSTs to fail before succeeding

	posts    atomic.Int32
	inflight atomic.Int32
	overlap  atomic.Bool
	lastReq  atomic.Value
}

func (f *fakeSolver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1" {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet {
		if !f.ready {
			fmt.Fprint(w, `{"status":"error","message":"starting"}`)
			return
		}
		fmt.Fprint(w, `{"status":"ok"}`)
		return
	}

	if f.inflight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inflight.Add(-1)
	time.Sleep(5 * time.Millisecond)

	var req request
	json.NewDecoder(r.Body).Decode(&req)
	f.lastReq.Store(req)

	if f.posts.Add(1) <= f.failures {
		fmt.Fprint(w, `{"status":"error","message":"challenge not solved"}`)
		return
	}
	fmt.Fprintf(w, `{"status":"ok","solution":{"url":%q,"status":200,"response":"<html>%s</html>"}}`, req.URL, req.URL)
}

func newTestClient(t *testing.T, f *fakeSolver) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return NewClient(Config{URL: srv.URL, RetryDelay: time.Millisecond})
}

func TestClient_Get(t *testing.T) {
	f := &fakeSolver{ready: true}
	c := newTestClient(t, f)

	html, err := c.Get(context.Background(), "https://example.com/page")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if html != "<html>https://example.com/page</html>" {
		t.Errorf("html = %q", html)
	}

	req := f.lastReq.Load().(request)
	if req.Cmd != "request.get" || req.MaxTimeout != 30000 {
		t.Errorf("request = %+v", req)
	}
	if c.LastUsed().IsZero() {
		t.Error("LastUsed not recorded")
	}
}

func TestClient_RetriesUnsolvedChallenge(t *testing.T) {
	f := &fakeSolver{ready: true, failures: 2}
	c := newTestClient(t, f)

	if _, err := c.Get(context.Background(), "https://example.com"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if f.posts.Load() != 3 {
		t.Errorf("posts = %d, want 3", f.posts.Load())
	}
}

func TestClient_GivesUp(t *testing.T) {
	f := &fakeSolver{ready: true, failures: 100}
	c := newTestClient(t, f)

	if _, err := c.Get(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected error")
	}
	if f.posts.Load() != DefaultRetries {
		t.Errorf("posts = %d, want %d", f.posts.Load(), DefaultRetries)
	}
}

func TestClient_Unavailable(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		f := &fakeSolver{}
		c := newTestClient(t, f)
		if _, err := c.Get(context.Background(), "https://example.com"); !errors.Is(err, ErrUnavailable) {
			t.Errorf("error = %v, want ErrUnavailable", err)
		}
		if f.posts.Load() != 0 {
			t.Error("solve attempted while unavailable")
		}
	})

	t.Run("not listening", func(t *testing.T) {
		c := NewClient(Config{URL: "http://127.0.0.1:1"})
		if err := c.Available(context.Background()); !errors.Is(err, ErrUnavailable) {
			t.Errorf("error = %v, want ErrUnavailable", err)
		}
	})
}

func TestClient_SerializesRequests(t *testing.T) {
	f := &fakeSolver{ready: true}
	c := newTestClient(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Get(context.Background(), fmt.Sprintf("https://example.com/%d", i)); err != nil {
				t.Errorf("Get() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	if f.overlap.Load() {
		t.Error("solve requests overlapped")
	}
}
