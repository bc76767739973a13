package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

const searchPage = `<html><body><table>
<tr><th>Cover</th><th>Title</th></tr>
<tr>
  <td><a href="/md5/pdf111"><img src="/covers/pdf111.jpg"></a></td>
  <td><span>Dune (Scan)</span></td><td><span>Frank Herbert</span></td><td><span>Ace</span></td>
  <td><span>1990</span></td><td></td><td></td><td><span>English</span></td><td></td>
  <td><span>PDF</span></td><td><span>30.1MB</span></td>
</tr>
<tr>
  <td><a href="/md5/epub222"><img src="/covers/epub222.jpg"></a></td>
  <td><span>Dune</span></td><td><span>Frank Herbert</span></td><td><span>Chilton</span></td>
  <td><span>1965</span></td><td></td><td></td><td><span>English</span></td><td></td>
  <td><span>EPUB</span></td><td><span>1.2MB</span></td>
</tr>
<tr><td>short row</td></tr>
</table></body></html>`

const infoPage = `<html><body><main><div>
  <div><img src="/covers/dune.jpg"></div>
  <div>Catalog</div>
  <div>English [en], .epub, lgli/zlib, 1.2MB, Book (fiction)</div>
  <div>Dune <span>🔍</span></div>
  <div>Chilton Books</div>
  <div>Frank Herbert</div>
  <div>
    <div>ISBN-13</div><div>9780441013593</div>
    <div>Language</div><div>English</div>
    <div>Filename</div><div>dune.epub</div>
  </div>
  <div><div aria-label="code tabs"></div><span>Year</span><span>1965</span><span>Other</span><span>x</span></div>
</div></main></body></html>`

func newTestHTMLSource(t *testing.T, handler http.Handler, cfg HTMLConfig) (*HTMLSource, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg.BaseURL = srv.URL
	if cfg.Formats == nil {
		cfg.Formats = []string{"epub", "pdf"}
	}
	if cfg.Transport == nil {
		cfg.Transport = newTestTransport(TransportConfig{MaxRetries: 1})
	}
	if cfg.Wait == nil {
		cfg.Wait = func(context.Context, time.Duration) error { return nil }
	}
	return NewHTMLSource(cfg), srv
}

func TestHTMLSource_Search(t *testing.T) {
	var got atomic.Value
	src, _ := newTestHTMLSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Query())
		fmt.Fprint(w, searchPage)
	}), HTMLConfig{Language: "en"})

	results, err := src.Search(context.Background(), Query{Text: "dune", Author: "herbert"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	first := results[0]
	want := books.Book{
		ID: "epub222", Title: "Dune", Author: "Frank Herbert", Publisher: "Chilton",
		Year: "1965", Language: "English", Format: "epub", Size: "1.2MB", Preview: "/covers/epub222.jpg",
	}
	if first != want {
		t.Errorf("results[0] = %+v, want %+v", first, want)
	}
	if results[1].ID != "pdf111" || results[1].Format != "pdf" {
		t.Errorf("results[1] = %+v", results[1])
	}

	q := got.Load().(url.Values)
	if strings.Join(q["ext"], ",") != "epub,pdf" {
		t.Errorf("ext = %v", q["ext"])
	}
	if strings.Join(q["lang"], ",") != "en" || strings.Join(q["q"], "") != "herbert dune" {
		t.Errorf("query = %v", q)
	}
	if strings.Join(q["acc"], ",") != "aa_download,external_download" || q["display"][0] != "table" {
		t.Errorf("query = %v", q)
	}
}

func TestHTMLSource_SearchNoResults(t *testing.T) {
	src, _ := newTestHTMLSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><body>No files found.</body></html>")
	}), HTMLConfig{})

	results, err := src.Search(context.Background(), Query{Text: "nothing"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if results == nil || len(results) != 0 {
		t.Errorf("results = %v, want empty list", results)
	}

	if _, err := src.Search(context.Background(), Query{}); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestHTMLSource_Info(t *testing.T) {
	src, _ := newTestHTMLSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/md5/abc" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, infoPage)
	}), HTMLConfig{})

	info, err := src.Info(context.Background(), "abc")
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.Title != "Dune" || info.Publisher != "Chilton Books" || info.Author != "Frank Herbert" {
		t.Errorf("info = %+v", info.Book)
	}
	if info.Format != "epub" || info.Size != "1.2MB" || info.Preview != "/covers/dune.jpg" {
		t.Errorf("info = %+v", info.Book)
	}
	if info.Language != "English" || info.Year != "1965" {
		t.Errorf("language/year = %q/%q", info.Language, info.Year)
	}
	if got := info.Details["ISBN-13"]; len(got) != 1 || got[0] != "9780441013593" {
		t.Errorf("ISBN-13 = %v", got)
	}
	if _, ok := info.Details["Filename"]; ok {
		t.Error("filename detail not filtered")
	}
	if _, ok := info.Details["Other"]; ok {
		t.Error("irrelevant detail not filtered")
	}

	if _, err := src.Info(context.Background(), "missing"); !errors.Is(err, books.ErrNotFound) {
		t.Errorf("Info(missing) error = %v, want ErrNotFound", err)
	}
}

func TestHTMLSource_InfoCoalescesConcurrentLookups(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	src, _ := newTestHTMLSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		fmt.Fprint(w, infoPage)
	}), HTMLConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := src.Info(context.Background(), "abc"); err != nil {
				t.Errorf("Info() error = %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
}

func TestHTMLSource_Resolve(t *testing.T) {
	t.Run("countdown then download link", func(t *testing.T) {
		var visits atomic.Int32
		var waits []time.Duration
		mux := http.NewServeMux()
		mux.HandleFunc("/slow/abc", func(w http.ResponseWriter, r *http.Request) {
			if visits.Add(1) == 1 {
				fmt.Fprint(w, `<html><body>Please wait <span class="js-partner-countdown">10</span></body></html>`)
				return
			}
			fmt.Fprint(w, `<html><body><a href="/files/abc.epub">📚 Download now</a></body></html>`)
		})
		src, srv := newTestHTMLSource(t, mux, HTMLConfig{
			Mirrors: []string{"{base}/slow/{id}"},
			Wait: func(_ context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			},
		})

		link, err := src.Resolve(context.Background(), "abc")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if link != srv.URL+"/files/abc.epub" {
			t.Errorf("link = %q", link)
		}
		if len(waits) != 1 || waits[0] != 15*time.Second {
			t.Errorf("waits = %v, want [15s]", waits)
		}
	})

	t.Run("countdown is capped", func(t *testing.T) {
		var waits []time.Duration
		mux := http.NewServeMux()
		mux.HandleFunc("/slow/abc", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<span class="js-partner-countdown">600</span>`)
		})
		src, _ := newTestHTMLSource(t, mux, HTMLConfig{
			Mirrors:      []string{"{base}/slow/{id}"},
			MaxCountdown: time.Minute,
			Wait: func(_ context.Context, d time.Duration) error {
				waits = append(waits, d)
				return nil
			},
		})

		_, err := src.Resolve(context.Background(), "abc")
		var re *books.ResolutionError
		if !errors.As(err, &re) || re.Permanent {
			t.Fatalf("error = %v, want transient resolution error", err)
		}
		if len(waits) != countdownAttempts || waits[0] != time.Minute {
			t.Errorf("waits = %v", waits)
		}
	})

	t.Run("falls through to GET heading", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/ads.php", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, `<html><body><a href="get.php?md5=%s&amp;key=k"><h2>GET</h2></a></body></html>`, r.URL.Query().Get("md5"))
		})
		src, srv := newTestHTMLSource(t, mux, HTMLConfig{
			Mirrors: []string{"{base}/gone/{id}", "{base}/ads.php?md5={id}"},
		})

		link, err := src.Resolve(context.Background(), "abc")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if link != srv.URL+"/get.php?md5=abc&key=k" {
			t.Errorf("link = %q", link)
		}
	})

	t.Run("missing everywhere is permanent", func(t *testing.T) {
		src, _ := newTestHTMLSource(t, http.NotFoundHandler(), HTMLConfig{
			Mirrors: []string{"{base}/a/{id}", "{base}/b/{id}"},
		})

		_, err := src.Resolve(context.Background(), "xyz")
		var re *books.ResolutionError
		if !errors.As(err, &re) || !re.Permanent {
			t.Fatalf("error = %v, want permanent resolution error", err)
		}
		if books.Reason(err) != "book not found at any source" {
			t.Errorf("Reason() = %q", books.Reason(err))
		}
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		tests := []struct {
			name      string
			code      int
			permanent bool
		}{
			{"gone", http.StatusGone, true},
			{"bad request", http.StatusBadRequest, true},
			{"legal", http.StatusUnavailableForLegalReasons, true},
			{"forbidden", http.StatusForbidden, false},
			{"rate limited", http.StatusTooManyRequests, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				code := tt.code
				src, _ := newTestHTMLSource(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(code)
				}), HTMLConfig{Mirrors: []string{"{base}/a/{id}"}})

				_, err := src.Resolve(context.Background(), "abc")
				var re *books.ResolutionError
				if !errors.As(err, &re) {
					t.Fatalf("error = %v, want resolution error", err)
				}
				if re.Permanent != tt.permanent || books.Retryable(err) == tt.permanent {
					t.Errorf("status %d: Permanent = %v, Retryable = %v", code, re.Permanent, books.Retryable(err))
				}
			})
		}
	})

	t.Run("one rejecting mirror among outages stays transient", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/a/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusGone)
		})
		mux.HandleFunc("/b/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		src, _ := newTestHTMLSource(t, mux, HTMLConfig{
			Mirrors: []string{"{base}/a/{id}", "{base}/b/{id}"},
		})

		_, err := src.Resolve(context.Background(), "abc")
		if !books.Retryable(err) {
			t.Errorf("error = %v, want retryable", err)
		}
	})

	t.Run("outage is transient", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/a/", http.NotFound)
		mux.HandleFunc("/b/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		src, _ := newTestHTMLSource(t, mux, HTMLConfig{
			Mirrors: []string{"{base}/a/{id}", "{base}/b/{id}"},
		})

		_, err := src.Resolve(context.Background(), "abc")
		if !books.Retryable(err) {
			t.Errorf("error = %v, want retryable", err)
		}
	})
}

func TestHTMLSource_FastDownload(t *testing.T) {
	t.Run("donator link", func(t *testing.T) {
		var key string
		mux := http.NewServeMux()
		mux.HandleFunc("/dyn/api/fast_download.json", func(w http.ResponseWriter, r *http.Request) {
			key = r.URL.Query().Get("key")
			fmt.Fprint(w, `{"download_url":"https://fast.example/abc.epub"}`)
		})
		src, _ := newTestHTMLSource(t, mux, HTMLConfig{DonatorKey: "secret"})

		link, err := src.Resolve(context.Background(), "abc")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if link != "https://fast.example/abc.epub" || key != "secret" {
			t.Errorf("link = %q, key = %q", link, key)
		}
	})

	t.Run("api error falls back to mirrors", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/dyn/api/fast_download.json", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"download_url":null,"error":"Invalid key"}`)
		})
		mux.HandleFunc("/slow/abc", func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `<a href="https://cdn.example/abc.epub">📚 Download now</a>`)
		})
		src, _ := newTestHTMLSource(t, mux, HTMLConfig{
			DonatorKey: "bad",
			Mirrors:    []string{"{base}/slow/{id}"},
		})

		link, err := src.Resolve(context.Background(), "abc")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if link != "https://cdn.example/abc.epub" {
			t.Errorf("link = %q", link)
		}
	})
}

func TestParseFormatLine(t *testing.T) {
	tests := []struct {
		line, format, size string
	}{
		{"English [en], .epub, lgli, 1.2MB, Book", "epub", "1.2MB"},
		{"Russian [ru], .PDF, 30MB", "pdf", "30MB"},
		{"no format here", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			format, size := parseFormatLine(tt.line)
			if format != tt.format || size != tt.size {
				t.Errorf("parseFormatLine() = %q, %q; want %q, %q", format, size, tt.format, tt.size)
			}
		})
	}
}
