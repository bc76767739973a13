package endpoints

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/metrics"
)

// MetricsEndpoint exposes Prometheus metrics at GET /metrics.
type MetricsEndpoint struct{}

func (e *MetricsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/metrics", metrics.Handler().ServeHTTP
}

func (e *MetricsEndpoint) RequiresInit() bool { return false }

func (e *MetricsEndpoint) Command(_ func() string) *cobra.Command {
	return nil
}
