package endpoints

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/bypass"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/svcctx"
)

// HealthResponse is the response for health check endpoints.
type HealthResponse struct {
	Status  string `json:"status"`
	Manager string `json:"manager,omitempty"`
}

// HealthEndpoint handles GET /health.
type HealthEndpoint struct{}

func (e *HealthEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/health", e.handler
}

func (e *HealthEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Liveness
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Router		/health [get]
func (e *HealthEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (e *HealthEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/health", &resp); err != nil {
				return err
			}
			fmt.Printf("Status: %s\n", resp.Status)
			return nil
		},
	}
}

// ReadyEndpoint handles GET /ready.
type ReadyEndpoint struct{}

func (e *ReadyEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/ready", e.handler
}

func (e *ReadyEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Readiness
//	@Description	OK once the download manager is running
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	HealthResponse
//	@Failure	503	{object}	HealthResponse
//	@Router		/ready [get]
func (e *ReadyEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	mgr := svcctx.ManagerFrom(r.Context())
	switch {
	case mgr == nil:
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Manager: "not_initialized"})
	case !mgr.Running():
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "degraded", Manager: "stopped"})
	default:
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Manager: "running"})
	}
}

func (e *ReadyEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Check server readiness (includes the download manager)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp HealthResponse
			if err := client.Get(cmd.Context(), "/ready", &resp); err != nil {
				return err
			}
			fmt.Printf("Status:  %s\n", resp.Status)
			fmt.Printf("Manager: %s\n", resp.Manager)
			return nil
		},
	}
}

// StatusResponse is the detailed server status.
type StatusResponse struct {
	Server  string       `json:"server"`
	Home    string       `json:"home,omitempty"`
	Config  string       `json:"config,omitempty"`
	Source  string       `json:"source,omitempty"`
	Manager *jobs.Stats  `json:"manager,omitempty"`
	Bypass  BypassStatus `json:"bypass"`
}

// BypassStatus shows the FlareSolverr proxy state.
type BypassStatus struct {
	Enabled   bool      `json:"enabled"`
	URL       string    `json:"url,omitempty"`
	Health    string    `json:"health,omitempty"`
	Container string    `json:"container,omitempty"`
	LastUsed  time.Time `json:"last_used,omitempty"`
}

// StatusEndpoint handles GET /status.
type StatusEndpoint struct {
	// BypassManager is set by the server when it manages the container.
	BypassManager *bypass.DockerManager
}

func (e *StatusEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/status", e.handler
}

func (e *StatusEndpoint) RequiresInit() bool { return false }

// handler godoc
//
//	@Summary	Server status
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	StatusResponse
//	@Router		/status [get]
func (e *StatusEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := StatusResponse{Server: "running"}

	if h := svcctx.HomeFrom(ctx); h != nil {
		resp.Home = h.Path()
	}
	if cm := svcctx.ConfigManagerFrom(ctx); cm != nil {
		resp.Config = cm.ConfigFileUsed()
	}
	if src := svcctx.SourceFrom(ctx); src != nil {
		resp.Source = src.Name()
	}
	if mgr := svcctx.ManagerFrom(ctx); mgr != nil {
		stats := mgr.Stats()
		resp.Manager = &stats
	}

	if client := svcctx.BypassFrom(ctx); client != nil {
		resp.Bypass.Enabled = true
		resp.Bypass.URL = client.URL()
		resp.Bypass.LastUsed = client.LastUsed()
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := client.Available(probeCtx); err != nil {
			resp.Bypass.Health = "unavailable"
		} else {
			resp.Bypass.Health = "healthy"
		}
		cancel()
	}
	if e.BypassManager != nil {
		st, err := e.BypassManager.Status(ctx)
		if err != nil {
			resp.Bypass.Container = "error"
		} else {
			resp.Bypass.Container = string(st)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (e *StatusEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "server-status",
		Short: "Get detailed server status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp StatusResponse
			if err := client.Get(cmd.Context(), "/status", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}
