package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	_ "github.com/jackzampolin/bookdrop/docs/swagger"
	"github.com/jackzampolin/bookdrop/internal/bypass"
	"github.com/jackzampolin/bookdrop/internal/config"
	"github.com/jackzampolin/bookdrop/internal/fetch"
	"github.com/jackzampolin/bookdrop/internal/home"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/postprocess"
	"github.com/jackzampolin/bookdrop/internal/server"
	"github.com/jackzampolin/bookdrop/internal/source"
	"github.com/jackzampolin/bookdrop/internal/status"
	"github.com/jackzampolin/bookdrop/internal/store"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bookdrop server",
	Long: `Start the bookdrop HTTP server and download workers.

When bypass.manage_container is set, the FlareSolverr container is started
with the server and stopped when it shuts down (Ctrl+C or SIGTERM).

The server provides:
  - /        - Web UI
  - /api/*   - JSON API (see /swagger)
  - /health  - Basic server health check
  - /ready   - Readiness check (includes the download manager)
  - /metrics - Prometheus metrics

Examples:
  bookdrop serve                    # Start on default port 8084
  bookdrop serve --port 3000        # Start on custom port
  bookdrop serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger, err := newLogger()
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		h, err := getHome()
		if err != nil {
			return err
		}

		cm, err := config.NewManager(cfgFile, ".env", h.EnvPath())
		if err != nil {
			return err
		}
		cm.WatchConfig()
		cfg := cm.Get()
		if used := cm.ConfigFileUsed(); used != "" {
			logger.Info("loaded config", "file", used)
		}

		for _, dir := range []string{cfg.Paths.IngestDir, cfg.Paths.TmpDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}

		st, closeStore, err := openStore(ctx, cfg, h, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		var bypassClient *bypass.Client
		var bypassMgr *bypass.DockerManager
		if cfg.Bypass.Enabled {
			bypassClient = bypass.NewClient(bypass.Config{URL: cfg.Bypass.URL, Logger: logger})
			if cfg.Bypass.ManageContainer {
				bypassMgr, err = bypass.NewDockerManager(bypass.DockerConfig{
					ContainerName: cfg.Bypass.ContainerName,
					Image:         cfg.Bypass.Image,
					HostPort:      cfg.Bypass.Port,
					LogLevel:      cfg.Bypass.LogLevel,
				})
				if err != nil {
					return err
				}
			}
		}

		src, err := newSource(cfg, bypassClient, logger)
		if err != nil {
			return err
		}

		fetcher := fetch.New(fetch.Config{
			Timeout:  cfg.FetchTimeout(),
			MaxBytes: cfg.Fetch.MaxBytes,
			Logger:   logger,
		})

		var chain postprocess.Chain
		var validator *postprocess.Validator
		if cfg.Postprocess.Validate {
			validator = postprocess.NewValidator(postprocess.ValidatorConfig{Formats: cfg.Formats(), Logger: logger})
			chain = append(chain, validator)
		}
		if cfg.Postprocess.CustomScript != "" {
			chain = append(chain, postprocess.NewScript(postprocess.ScriptConfig{
				Command: cfg.Postprocess.CustomScript,
				Logger:  logger,
			}))
		}

		mgr, err := jobs.NewManager(jobs.ManagerConfig{
			Store:     st,
			Source:    src,
			Fetcher:   fetcher,
			Processor: chain,
			Workers:   cfg.Downloads.Workers,
			QueueSize: cfg.Downloads.QueueSize,
			Policy:    cfg.Policy(),
			Logger:    logger,
		})
		if err != nil {
			return err
		}

		// Format changes reach the validator and the source ranking; the
		// server registers the policy hook itself.
		cm.OnChange(func(c *config.Config) {
			if validator != nil {
				validator.SetFormats(c.Formats())
			}
			if fs, ok := src.(formatSetter); ok {
				fs.SetFormats(c.Formats())
			}
		})

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			Manager:       mgr,
			Store:         st,
			Reporter:      status.NewReporter(st, mgr),
			Source:        src,
			Bypass:        bypassClient,
			BypassManager: bypassMgr,
			ConfigManager: cm,
			Home:          h,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

type formatSetter interface {
	SetFormats([]string)
}

// openStore creates the record store, backed by bbolt when persistence is on.
// The returned func flushes and closes the database.
func openStore(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*store.Store, func(), error) {
	if !cfg.Store.Persist {
		return store.New(store.Config{MaxRecords: cfg.Store.MaxRecords, Logger: logger}), func() {}, nil
	}

	path := cfg.Store.Path
	if path == "" {
		path = h.DBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := store.OpenBolt(store.BoltConfig{Path: path, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	// The writer outlives the command context so the final flush in Close
	// still reaches disk.
	db.Start(context.WithoutCancel(ctx))

	st := store.New(store.Config{MaxRecords: cfg.Store.MaxRecords, Persister: db, Logger: logger})
	n, err := st.Load()
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("loaded download records", "count", n, "path", path)

	return st, func() {
		if err := db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}, nil
}

// newSource builds the configured catalog adapter.
func newSource(cfg *config.Config, bp *bypass.Client, logger *slog.Logger) (source.Source, error) {
	tcfg := source.TransportConfig{
		RateLimit:  cfg.Source.RateLimit,
		MaxRetries: cfg.Source.MaxRetries,
		Username:   cfg.Source.Username,
		Password:   cfg.Source.Password,
		Logger:     logger,
	}
	if bp != nil {
		tcfg.Bypass = bp
	}
	transport := source.NewTransport(tcfg)

	switch cfg.Source.Type {
	case "opds":
		return source.NewOPDSSource(source.OPDSConfig{
			CatalogURL: cfg.Source.OPDSURL,
			Username:   cfg.Source.Username,
			Password:   cfg.Source.Password,
			Formats:    cfg.Formats(),
			Transport:  transport,
			Logger:     logger,
		})
	default:
		return source.NewHTMLSource(source.HTMLConfig{
			BaseURL:    cfg.Source.BaseURL,
			Language:   cfg.Source.Language,
			Formats:    cfg.Formats(),
			DonatorKey: cfg.Source.DonatorKey,
			Transport:  transport,
			Logger:     logger,
		}), nil
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8084", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
