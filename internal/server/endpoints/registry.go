package endpoints

import (
	"github.com/jackzampolin/bookdrop/internal/api"
	"github.com/jackzampolin/bookdrop/internal/bypass"
)

// Config holds dependencies needed by some endpoints.
type Config struct {
	BypassManager *bypass.DockerManager
}

// All returns all endpoint instances.
func All(cfg Config) []api.Endpoint {
	return []api.Endpoint{
		// Health endpoints
		&HealthEndpoint{},
		&ReadyEndpoint{},
		&StatusEndpoint{BypassManager: cfg.BypassManager},

		// Catalog endpoints
		&SearchEndpoint{},
		&InfoEndpoint{},

		// Download endpoints
		&DownloadEndpoint{},
		&CancelEndpoint{},
		&DownloadStatusEndpoint{},
		&LocalDownloadEndpoint{},

		// Queue endpoints
		&QueueOrderEndpoint{},
		&ActiveEndpoint{},
		&SetPriorityEndpoint{},
		&ReorderEndpoint{},
		&ClearCompletedEndpoint{},

		&MetricsEndpoint{},

		// Swagger/OpenAPI endpoints
		&SwaggerEndpoint{},
		&SwaggerUIEndpoint{},

		// Static files (catch-all, must be last)
		&StaticEndpoint{},
	}
}
