package config

import (
	"errors"
	"fmt"
	"strings"
)

// EnvPrefix prefixes every environment override: downloads.max_retry is
// BOOKDROP_DOWNLOADS_MAX_RETRY.
const EnvPrefix = "BOOKDROP"

// ErrNoDefault is returned when no default value exists for a config key.
var ErrNoDefault = errors.New("no default exists")

// Entry describes one configuration key.
type Entry struct {
	Key         string
	Value       any
	Description string
	// Env is the short environment alias accepted alongside the prefixed name.
	Env string
}

// EnvName returns the prefixed environment variable for the key.
func (e Entry) EnvName() string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(e.Key, ".", "_"))
}

// DefaultEntries returns every configuration key with its default.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		// Downloads
		{Key: "downloads.max_retry", Value: d.Downloads.MaxRetry, Env: "MAX_RETRY",
			Description: "Fetch attempts before a download is marked error"},
		{Key: "downloads.default_sleep", Value: d.Downloads.DefaultSleep, Env: "DEFAULT_SLEEP",
			Description: "Seconds to wait before a failed download is requeued"},
		{Key: "downloads.main_loop_sleep_time", Value: d.Downloads.MainLoopSleepTime, Env: "MAIN_LOOP_SLEEP_TIME",
			Description: "Seconds between maintenance passes"},
		{Key: "downloads.supported_formats", Value: d.Downloads.SupportedFormats, Env: "SUPPORTED_FORMATS",
			Description: "Formats accepted for download, comma separated in env"},
		{Key: "downloads.use_book_title", Value: d.Downloads.UseBookTitle, Env: "USE_BOOK_TITLE",
			Description: "Name ingested files after the book title instead of its id"},
		{Key: "downloads.workers", Value: d.Downloads.Workers, Env: "MAX_CONCURRENT_DOWNLOADS",
			Description: "Concurrent downloads"},
		{Key: "downloads.queue_size", Value: d.Downloads.QueueSize,
			Description: "Maximum queued downloads"},
		{Key: "downloads.status_timeout", Value: d.Downloads.StatusTimeout, Env: "STATUS_TIMEOUT",
			Description: "Seconds a finished download stays visible"},
		{Key: "downloads.stale_after", Value: d.Downloads.StaleAfter,
			Description: "Seconds without progress before an in-flight download is cancelled"},

		// Paths
		{Key: "paths.ingest_dir", Value: d.Paths.IngestDir, Env: "INGEST_DIR",
			Description: "Directory finished books are published to"},
		{Key: "paths.tmp_dir", Value: d.Paths.TmpDir, Env: "TMP_DIR",
			Description: "Staging directory for partial downloads"},

		// Source
		{Key: "source.type", Value: d.Source.Type,
			Description: "Catalog adapter: html or opds"},
		{Key: "source.base_url", Value: d.Source.BaseURL, Env: "AA_BASE_URL",
			Description: "Base URL of the HTML catalog"},
		{Key: "source.language", Value: d.Source.Language, Env: "BOOK_LANGUAGE",
			Description: "Default search language"},
		{Key: "source.donator_key", Value: d.Source.DonatorKey, Env: "AA_DONATOR_KEY",
			Description: "Fast download key for the HTML catalog"},
		{Key: "source.rate_limit", Value: d.Source.RateLimit,
			Description: "Catalog requests per second, 0 for unlimited"},
		{Key: "source.max_retries", Value: d.Source.MaxRetries,
			Description: "Attempts per catalog page"},
		{Key: "source.opds_url", Value: d.Source.OPDSURL,
			Description: "OPDS catalog root, required when source.type is opds"},
		{Key: "source.username", Value: d.Source.Username,
			Description: "Basic auth user for the OPDS catalog"},
		{Key: "source.password", Value: d.Source.Password,
			Description: "Basic auth password for the OPDS catalog"},

		// Fetch
		{Key: "fetch.timeout", Value: d.Fetch.Timeout,
			Description: "Seconds allowed for a single transfer"},
		{Key: "fetch.max_bytes", Value: d.Fetch.MaxBytes,
			Description: "Largest accepted file in bytes"},

		// Postprocess
		{Key: "postprocess.custom_script", Value: d.Postprocess.CustomScript, Env: "CUSTOM_SCRIPT",
			Description: "Executable run on each downloaded file before ingest"},
		{Key: "postprocess.validate", Value: d.Postprocess.Validate,
			Description: "Check container structure of downloaded files"},

		// Store
		{Key: "store.path", Value: d.Store.Path,
			Description: "Record database, defaults to {home}/data/bookdrop.db"},
		{Key: "store.persist", Value: d.Store.Persist,
			Description: "Keep records across restarts"},
		{Key: "store.max_records", Value: d.Store.MaxRecords,
			Description: "Finished records kept before the oldest are pruned"},

		// Bypass
		{Key: "bypass.enabled", Value: d.Bypass.Enabled, Env: "USE_CF_BYPASS",
			Description: "Route blocked catalog pages through FlareSolverr"},
		{Key: "bypass.url", Value: d.Bypass.URL, Env: "CLOUDFLARE_PROXY",
			Description: "FlareSolverr endpoint"},
		{Key: "bypass.manage_container", Value: d.Bypass.ManageContainer,
			Description: "Start a FlareSolverr container with serve"},
		{Key: "bypass.image", Value: d.Bypass.Image,
			Description: "FlareSolverr image"},
		{Key: "bypass.container_name", Value: d.Bypass.ContainerName,
			Description: "FlareSolverr container name"},
		{Key: "bypass.port", Value: d.Bypass.Port,
			Description: "Host port for the managed container"},
		{Key: "bypass.log_level", Value: d.Bypass.LogLevel,
			Description: "FlareSolverr LOG_LEVEL for the managed container"},
	}
}

// GetDefault returns the entry for a config key, or nil.
func GetDefault(key string) *Entry {
	for _, entry := range DefaultEntries() {
		if entry.Key == key {
			return &entry
		}
	}
	return nil
}

// LookupDefault is GetDefault with an error for unknown keys.
func LookupDefault(key string) (Entry, error) {
	if e := GetDefault(key); e != nil {
		return *e, nil
	}
	return Entry{}, fmt.Errorf("%w for key %q", ErrNoDefault, key)
}
