package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/jackzampolin/bookdrop/internal/jobs"
)

// Config holds bookdrop configuration.
// Stored at: {home}/config.yaml
type Config struct {
	Downloads   DownloadsCfg   `mapstructure:"downloads" yaml:"downloads"`
	Paths       PathsCfg       `mapstructure:"paths" yaml:"paths"`
	Source      SourceCfg      `mapstructure:"source" yaml:"source"`
	Fetch       FetchCfg       `mapstructure:"fetch" yaml:"fetch"`
	Postprocess PostprocessCfg `mapstructure:"postprocess" yaml:"postprocess"`
	Store       StoreCfg       `mapstructure:"store" yaml:"store"`
	Bypass      BypassCfg      `mapstructure:"bypass" yaml:"bypass"`
}

// DownloadsCfg configures the download manager. Durations are in seconds.
type DownloadsCfg struct {
	MaxRetry          int      `mapstructure:"max_retry" yaml:"max_retry" validate:"gte=0"`
	DefaultSleep      int      `mapstructure:"default_sleep" yaml:"default_sleep" validate:"gte=0"`
	MainLoopSleepTime int      `mapstructure:"main_loop_sleep_time" yaml:"main_loop_sleep_time" validate:"gte=1"`
	SupportedFormats  []string `mapstructure:"supported_formats" yaml:"supported_formats" validate:"min=1,dive,required"`
	UseBookTitle      bool     `mapstructure:"use_book_title" yaml:"use_book_title"`
	Workers           int      `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=64"`
	QueueSize         int      `mapstructure:"queue_size" yaml:"queue_size" validate:"gte=1"`
	StatusTimeout     int      `mapstructure:"status_timeout" yaml:"status_timeout" validate:"gte=0"`
	StaleAfter        int      `mapstructure:"stale_after" yaml:"stale_after" validate:"gte=0"`
}

// PathsCfg locates the ingest and temporary directories.
type PathsCfg struct {
	IngestDir string `mapstructure:"ingest_dir" yaml:"ingest_dir" validate:"required"`
	TmpDir    string `mapstructure:"tmp_dir" yaml:"tmp_dir" validate:"required"`
}

// SourceCfg selects and configures the catalog adapter.
type SourceCfg struct {
	Type       string  `mapstructure:"type" yaml:"type" validate:"oneof=html opds"`
	BaseURL    string  `mapstructure:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Language   string  `mapstructure:"language" yaml:"language"`
	DonatorKey string  `mapstructure:"donator_key" yaml:"donator_key"`
	RateLimit  float64 `mapstructure:"rate_limit" yaml:"rate_limit" validate:"gte=0"` // requests per second
	MaxRetries int     `mapstructure:"max_retries" yaml:"max_retries" validate:"gte=1"`
	OPDSURL    string  `mapstructure:"opds_url" yaml:"opds_url" validate:"omitempty,url"`
	Username   string  `mapstructure:"username" yaml:"username"`
	Password   string  `mapstructure:"password" yaml:"password"`
}

// FetchCfg bounds a single transfer.
type FetchCfg struct {
	Timeout  int   `mapstructure:"timeout" yaml:"timeout" validate:"gte=1"` // seconds
	MaxBytes int64 `mapstructure:"max_bytes" yaml:"max_bytes" validate:"gte=1"`
}

// PostprocessCfg configures validation and conversion.
type PostprocessCfg struct {
	CustomScript string `mapstructure:"custom_script" yaml:"custom_script"`
	Validate     bool   `mapstructure:"validate" yaml:"validate"`
}

// StoreCfg configures record persistence. An empty path means
// {home}/data/bookdrop.db.
type StoreCfg struct {
	Path       string `mapstructure:"path" yaml:"path"`
	Persist    bool   `mapstructure:"persist" yaml:"persist"`
	MaxRecords int    `mapstructure:"max_records" yaml:"max_records" validate:"gte=0"`
}

// BypassCfg configures the FlareSolverr proxy.
type BypassCfg struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	URL             string `mapstructure:"url" yaml:"url" validate:"omitempty,url"`
	ManageContainer bool   `mapstructure:"manage_container" yaml:"manage_container"`
	Image           string `mapstructure:"image" yaml:"image"`
	ContainerName   string `mapstructure:"container_name" yaml:"container_name"`
	Port            string `mapstructure:"port" yaml:"port" validate:"omitempty,numeric"`
	LogLevel        string `mapstructure:"log_level" yaml:"log_level" validate:"omitempty,oneof=debug info warning error"`
}

// DefaultConfig returns configuration with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Downloads: DownloadsCfg{
			MaxRetry:          3,
			DefaultSleep:      5,
			MainLoopSleepTime: 5,
			SupportedFormats:  []string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr"},
			UseBookTitle:      false,
			Workers:           3,
			QueueSize:         jobs.DefaultQueueSize,
			StatusTimeout:     3600,
			StaleAfter:        600,
		},
		Paths: PathsCfg{
			IngestDir: "/cwa-book-ingest",
			TmpDir:    "/tmp/cwa-book-downloader",
		},
		Source: SourceCfg{
			Type:       "html",
			BaseURL:    "https://annas-archive.org",
			Language:   "en",
			RateLimit:  1,
			MaxRetries: 3,
		},
		Fetch: FetchCfg{
			Timeout:  300,
			MaxBytes: 512 << 20,
		},
		Postprocess: PostprocessCfg{
			Validate: true,
		},
		Store: StoreCfg{
			Persist:    true,
			MaxRecords: 1000,
		},
		Bypass: BypassCfg{
			URL:           "http://localhost:8191",
			Image:         "ghcr.io/flaresolverr/flaresolverr:latest",
			ContainerName: "bookdrop-flaresolverr",
			Port:          "8191",
			LogLevel:      "info",
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Source.Type == "opds" && c.Source.OPDSURL == "" {
		return fmt.Errorf("invalid config: source.opds_url is required when source.type is opds")
	}
	return nil
}

// Formats returns the supported formats, lowercased without dots.
func (c *Config) Formats() []string {
	out := make([]string, 0, len(c.Downloads.SupportedFormats))
	for _, f := range c.Downloads.SupportedFormats {
		if f = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(f), ".")); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Policy converts the downloads section into the manager's live policy.
func (c *Config) Policy() jobs.Policy {
	p := jobs.DefaultPolicy()
	p.MaxRetry = c.Downloads.MaxRetry
	p.RetryDelay = seconds(c.Downloads.DefaultSleep)
	p.PollInterval = seconds(c.Downloads.MainLoopSleepTime)
	p.SupportedFormats = c.Formats()
	p.UseBookTitle = c.Downloads.UseBookTitle
	p.StatusTimeout = seconds(c.Downloads.StatusTimeout)
	p.StaleAfter = seconds(c.Downloads.StaleAfter)
	p.TmpDir = c.Paths.TmpDir
	p.IngestDir = c.Paths.IngestDir
	return p
}

// FetchTimeout returns the per-transfer timeout.
func (c *Config) FetchTimeout() time.Duration {
	return seconds(c.Fetch.Timeout)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
