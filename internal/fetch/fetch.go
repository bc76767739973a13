// Package fetch streams a resolved download URL into a temporary file.
//
// Every failure is reported as a *books.FetchError, except cancellation of the
// caller's context, which is returned as-is so the caller can tell a user
// cancel from a network fault. Partial files are always removed.
package fetch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/metrics"
)

const (
	// DefaultTimeout bounds a whole transfer.
	DefaultTimeout = 5 * time.Minute
	// DefaultMaxBytes is the byte budget for a single file.
	DefaultMaxBytes int64 = 512 << 20
	// DefaultUserAgent mimics a desktop browser; several mirrors reject
	// non-browser agents.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

	sniffLen = 512
)

// ProgressFunc receives the bytes written so far and the expected total
// (-1 when unknown).
type ProgressFunc func(written, total int64)

// Result describes a completed transfer.
type Result struct {
	Path        string
	Size        int64
	ContentType string
}

// Config configures a Fetcher.
type Config struct {
	Client    *http.Client
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	Logger    *slog.Logger
}

// Fetcher downloads files.
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Client == nil {
		cfg.Client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		client:    cfg.Client,
		timeout:   cfg.Timeout,
		maxBytes:  cfg.MaxBytes,
		userAgent: cfg.UserAgent,
		logger:    cfg.Logger,
	}
}

// Fetch streams url into a new file under dir and returns its path.
func (f *Fetcher) Fetch(ctx context.Context, url, dir string, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	res, err := f.fetch(ctx, url, dir, progress)

	outcome := "ok"
	if err != nil {
		outcome = outcomeLabel(err)
	}
	metrics.FetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	if res != nil {
		metrics.FetchBytes.Add(float64(res.Size))
	}
	return res, err
}

func (f *Fetcher) fetch(ctx context.Context, url, dir string, progress ProgressFunc) (*Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &books.FetchError{Kind: books.FetchConnectionFailed, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &books.FetchError{Kind: books.FetchHTTPStatus, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > f.maxBytes {
		return nil, &books.FetchError{
			Kind: books.FetchTooLarge,
			Err:  fmt.Errorf("content length %d exceeds %d", resp.ContentLength, f.maxBytes),
		}
	}

	body := bufio.NewReaderSize(resp.Body, 32*1024)
	head, err := body.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, classify(ctx, err)
	}
	if len(head) == 0 {
		return nil, &books.FetchError{Kind: books.FetchTruncated, Err: errors.New("empty response body")}
	}
	contentType := http.DetectContentType(head)
	if looksLikeHTML(contentType, head) {
		return nil, &books.FetchError{
			Kind: books.FetchUnexpectedContent,
			Err:  fmt.Errorf("got %s from %s", contentType, resp.Request.URL.Host),
		}
	}

	path := filepath.Join(dir, "fetch-"+uuid.NewString()+".part")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	written, err := f.copy(file, body, resp.ContentLength, progress)
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to close temp file: %w", closeErr)
	}
	if err == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		err = &books.FetchError{
			Kind: books.FetchTruncated,
			Err:  fmt.Errorf("got %d of %d bytes", written, resp.ContentLength),
		}
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, classify(ctx, err)
	}

	f.logger.Debug("fetched file", "url", url, "bytes", written, "content_type", contentType)
	return &Result{Path: path, Size: written, ContentType: contentType}, nil
}

func (f *Fetcher) copy(dst *os.File, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	pw := &progressWriter{w: dst, total: total, fn: progress}
	if total <= 0 {
		pw.total = -1
	}
	// One byte past the budget detects an oversized body.
	n, err := io.Copy(pw, io.LimitReader(src, f.maxBytes+1))
	if err != nil {
		return n, err
	}
	if n > f.maxBytes {
		return n, &books.FetchError{
			Kind: books.FetchTooLarge,
			Err:  fmt.Errorf("body exceeds %d bytes", f.maxBytes),
		}
	}
	if err := dst.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync temp file: %w", err)
	}
	return n, nil
}

// classify maps transport errors to FetchError kinds. A cancelled parent
// context passes through unchanged.
func classify(ctx context.Context, err error) error {
	var fetchErr *books.FetchError
	if errors.As(err, &fetchErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%w: %v", context.Canceled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return &books.FetchError{Kind: books.FetchTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &books.FetchError{Kind: books.FetchTimeout, Err: err}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return &books.FetchError{Kind: books.FetchTruncated, Err: err}
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		// Local disk failure, not a network fault.
		return err
	}
	return &books.FetchError{Kind: books.FetchConnectionFailed, Err: err}
}

func looksLikeHTML(contentType string, head []byte) bool {
	if strings.HasPrefix(contentType, "text/html") {
		return true
	}
	lower := strings.ToLower(strings.TrimSpace(string(head)))
	return strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html")
}

func outcomeLabel(err error) string {
	var fetchErr *books.FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}

// progressWriter reports progress roughly every percent (or 256 KiB when the
// total is unknown).
type progressWriter struct {
	w        io.Writer
	total    int64
	written  int64
	reported int64
	fn       ProgressFunc
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.fn != nil {
		step := int64(256 << 10)
		if p.total > 0 && p.total/100 > 0 {
			step = p.total / 100
		}
		if p.written-p.reported >= step || p.written == p.total {
			p.reported = p.written
			p.fn(p.written, p.total)
		}
	}
	return n, err
}
