// Package bypass fetches pages through a FlareSolverr proxy and can manage a
// local FlareSolverr container.
package bypass

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/bookdrop/internal/schema"
)

const (
	// DefaultURL is where FlareSolverr listens by default.
	DefaultURL = "http://localhost:8191"
	// DefaultMaxTimeout bounds a single challenge solve inside FlareSolverr.
	DefaultMaxTimeout = 30 * time.Second
	// DefaultRetries is the number of solve attempts per page.
	DefaultRetries = 3
	// DefaultRetryDelay is the base of the linear backoff between attempts.
	DefaultRetryDelay = 5 * time.Second

	statusOK = "ok"
)

// ErrUnavailable is returned when the proxy is not reachable or not ready.
var ErrUnavailable = errors.New("bypass service is not running or not reachable")

// Config configures a Client.
type Config struct {
	URL        string
	MaxTimeout time.Duration
	Retries    int
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to FlareSolverr's v1 API. Calls are serialized; FlareSolverr
// drives a single browser.
type Client struct {
	url        string
	maxTimeout time.Duration
	retries    int
	retryDelay time.Duration
	httpClient *http.Client
	logger     *slog.Logger

	mu       sync.Mutex
	lastUsed time.Time
}

type request struct {
	Cmd        string `json:"cmd"`
	URL        string `json:"url"`
	MaxTimeout int64  `json:"maxTimeout"`
}

type response struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Solution *struct {
		URL      string `json:"url"`
		Status   int    `json:"status"`
		Response string `json:"response"`
	} `json:"solution"`
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultMaxTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.MaxTimeout + 30*time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		url:        strings.TrimSuffix(cfg.URL, "/"),
		maxTimeout: cfg.MaxTimeout,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "bypass"),
	}
}

// URL returns the proxy base URL.
func (c *Client) URL() string { return c.url }

// LastUsed returns when a page was last fetched successfully.
func (c *Client) LastUsed() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastUsed
}

// Available checks that the proxy answers with status ok.
func (c *Client) Available(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/v1", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var r response
	if err := schema.Decode(schema.FlareSolverrResponse, body, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if r.Status != statusOK {
		return fmt.Errorf("%w: status %q", ErrUnavailable, r.Status)
	}
	return nil
}

// Get fetches url through the proxy and returns the solved page HTML.
func (c *Client) Get(ctx context.Context, url string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Available(ctx); err != nil {
		return "", err
	}

	var html string
	err := retry.Do(
		func() error {
			page, err := c.solve(ctx, url)
			if err != nil {
				return err
			}
			html = page
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries)),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.retryDelay * time.Duration(n+1)
		}),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("bypass attempt failed", "url", url, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return "", fmt.Errorf("bypass failed for %s: %w", url, err)
	}
	c.lastUsed = time.Now()
	return html, nil
}

func (c *Client) solve(ctx context.Context, url string) (string, error) {
	payload, err := json.Marshal(request{
		Cmd:        "request.get",
		URL:        url,
		MaxTimeout: c.maxTimeout.Milliseconds(),
	})
	if err != nil {
		return "", retry.Unrecoverable(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1", bytes.NewReader(payload))
	if err != nil {
		return "", retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug("solving page", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("proxy returned status %d", resp.StatusCode)
	}

	var r response
	if err := schema.Decode(schema.FlareSolverrResponse, body, &r); err != nil {
		return "", err
	}
	if r.Status != statusOK || r.Solution == nil {
		return "", fmt.Errorf("proxy error: %s", r.Message)
	}
	return r.Solution.Response, nil
}
