package source

import (
	"log/slog"
	"net/http"
	"time"
)

// LoggingTransport is an http.RoundTripper that logs outbound requests at
// debug level.
type LoggingTransport struct {
	Base   http.RoundTripper
	Logger *slog.Logger
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !logger.Enabled(req.Context(), slog.LevelDebug) {
		return base.RoundTrip(req)
	}

	start := time.Now()
	resp, err := base.RoundTrip(req)
	if err != nil {
		logger.Debug("outbound request failed",
			"method", req.Method, "url", req.URL.String(),
			"duration", time.Since(start), "error", err)
		return resp, err
	}

	logger.Debug("outbound request",
		"method", req.Method, "url", req.URL.String(),
		"status", resp.StatusCode, "content_length", resp.ContentLength,
		"duration", time.Since(start))
	return resp, nil
}
