// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/bookdrop/internal/bypass"
	"github.com/jackzampolin/bookdrop/internal/config"
	"github.com/jackzampolin/bookdrop/internal/home"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/source"
	"github.com/jackzampolin/bookdrop/internal/status"
	"github.com/jackzampolin/bookdrop/internal/store"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Manager       *jobs.Manager
	Store         *store.Store
	Reporter      *status.Reporter
	Source        source.Source
	ConfigManager *config.Manager
	Bypass        *bypass.Client
	Logger        *slog.Logger
	Home          *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// ManagerFrom extracts the download manager from context.
func ManagerFrom(ctx context.Context) *jobs.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Manager
	}
	return nil
}

// StoreFrom extracts the record store from context.
func StoreFrom(ctx context.Context) *store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// ReporterFrom extracts the status reporter from context.
func ReporterFrom(ctx context.Context) *status.Reporter {
	if s := ServicesFrom(ctx); s != nil {
		return s.Reporter
	}
	return nil
}

// SourceFrom extracts the catalog source from context.
func SourceFrom(ctx context.Context) source.Source {
	if s := ServicesFrom(ctx); s != nil {
		return s.Source
	}
	return nil
}

// ConfigManagerFrom extracts the config manager from context.
func ConfigManagerFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.ConfigManager
	}
	return nil
}

// BypassFrom extracts the bypass client from context. Nil when bypass is
// disabled.
func BypassFrom(ctx context.Context) *bypass.Client {
	if s := ServicesFrom(ctx); s != nil {
		return s.Bypass
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
