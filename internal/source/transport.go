package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/jackzampolin/bookdrop/internal/fetch"
	"github.com/jackzampolin/bookdrop/internal/metrics"
)

const (
	// DefaultMaxPageBytes caps a catalog page body.
	DefaultMaxPageBytes int64 = 8 << 20
	// DefaultPageRetries is the number of attempts per page.
	DefaultPageRetries = 3
	// DefaultPageRetryDelay is the base of the linear backoff between attempts.
	DefaultPageRetryDelay = time.Second
)

// Bypasser fetches a page through an anti-bot proxy and returns its HTML.
type Bypasser interface {
	Get(ctx context.Context, url string) (string, error)
}

// StatusError is a non-2xx catalog response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// IsPermanentStatus reports whether err is a client error that repeating the
// request will not fix. 403 stays retryable because challenge pages clear
// through the bypass; 408 and 429 are load signals.
func IsPermanentStatus(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusForbidden, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// TransportConfig configures a Transport.
type TransportConfig struct {
	Client       *http.Client
	RateLimit    float64 // requests per second, 0 disables
	Burst        int
	MaxRetries   int
	RetryDelay   time.Duration
	MaxPageBytes int64
	UserAgent    string
	Username     string
	Password     string
	Bypass       Bypasser
	Logger       *slog.Logger
}

// Transport fetches catalog pages. Requests are rate limited, guarded by a
// circuit breaker per host and retried with linear backoff. 404 is final.
type Transport struct {
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
	maxBytes   int64
	userAgent  string
	username   string
	password   string
	bypass     Bypasser
	logger     *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewTransport creates a Transport.
func NewTransport(cfg TransportConfig) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &LoggingTransport{
				Base: &http.Transport{
					Proxy:               http.ProxyFromEnvironment,
					DialContext:         (&net.Dialer{Timeout: 15 * time.Second}).DialContext,
					TLSHandshakeTimeout: 10 * time.Second,
				},
				Logger: logger,
			},
		}
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultPageRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultPageRetryDelay
	}
	if cfg.MaxPageBytes <= 0 {
		cfg.MaxPageBytes = DefaultMaxPageBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = fetch.DefaultUserAgent
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Transport{
		client:     cfg.Client,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		maxBytes:   cfg.MaxPageBytes,
		userAgent:  cfg.UserAgent,
		username:   cfg.Username,
		password:   cfg.Password,
		bypass:     cfg.Bypass,
		logger:     logger,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Get fetches a page. route labels the request in metrics.
// A 403 or 503 is retried through the bypass when one is configured.
func (t *Transport) Get(ctx context.Context, route, rawURL string) ([]byte, error) {
	var body []byte
	err := retry.Do(
		func() error {
			b, err := t.getOnce(ctx, route, rawURL)
			if err != nil {
				if IsPermanentStatus(err) {
					return retry.Unrecoverable(err)
				}
				if t.bypass != nil && (IsStatus(err, http.StatusForbidden) || IsStatus(err, http.StatusServiceUnavailable)) {
					if b, berr := t.viaBypass(ctx, route, rawURL); berr == nil {
						body = b
						return nil
					}
				}
				return err
			}
			body = b
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(t.maxRetries)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return t.retryDelay * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Debug("retrying page", "route", route, "url", rawURL, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// GetProtected fetches a page that is usually behind a challenge. The bypass
// is tried first, then a direct request.
func (t *Transport) GetProtected(ctx context.Context, route, rawURL string) ([]byte, error) {
	if t.bypass != nil {
		b, err := t.viaBypass(ctx, route, rawURL)
		if err == nil {
			return b, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn("bypass failed, trying direct request", "url", rawURL, "error", err)
	}
	return t.Get(ctx, route, rawURL)
}

func (t *Transport) getOnce(ctx context.Context, route, rawURL string) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("invalid url %q: %w", rawURL, err))
	}

	body, err := t.breaker(u.Host).Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", t.userAgent)
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8")
		if t.username != "" {
			req.SetBasicAuth(t.username, t.password)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			return nil, &StatusError{URL: rawURL, Code: resp.StatusCode}
		}

		b, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBytes+1))
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > t.maxBytes {
			return nil, fmt.Errorf("GET %s: page exceeds %d bytes", rawURL, t.maxBytes)
		}
		return b, nil
	})

	metrics.SourceRequestsTotal.WithLabelValues(route, outcome(err)).Inc()
	return body, err
}

func (t *Transport) viaBypass(ctx context.Context, route, rawURL string) ([]byte, error) {
	html, err := t.bypass.Get(ctx, rawURL)
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(route, "bypass_error").Inc()
		return nil, err
	}
	metrics.SourceRequestsTotal.WithLabelValues(route, "bypass").Inc()
	return []byte(html), nil
}

// breaker returns the circuit breaker for host, creating it on first use.
func (t *Transport) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[host]; ok {
		return cb
	}

	metrics.BreakerState.WithLabelValues(host).Set(0)
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected request or a cancelled caller says nothing about the host.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				IsPermanentStatus(err) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			t.logger.Info("circuit breaker state change", "host", name, "from", from.String(), "to", to.String())
			metrics.BreakerState.WithLabelValues(name).Set(breakerValue(to))
		},
	})
	t.breakers[host] = cb
	return cb
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsStatus(err, http.StatusNotFound):
		return "not_found"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}
