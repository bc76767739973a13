package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

// ServerConfig holds values for creating a test server without importing
// the server package.
type ServerConfig struct {
	Host      string
	Port      string
	HomeDir   string
	IngestDir string
	TmpDir    string
	Logger    *slog.Logger
}

// NewServerConfig creates configuration for a test server on a free port
// with its directories under t.TempDir().
func NewServerConfig(t *testing.T) ServerConfig {
	t.Helper()

	port, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for HTTP: %v", err)
	}
	dir := t.TempDir()

	return ServerConfig{
		Host:      "127.0.0.1",
		Port:      port,
		HomeDir:   filepath.Join(dir, "home"),
		IngestDir: filepath.Join(dir, "ingest"),
		TmpDir:    filepath.Join(dir, "tmp"),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// URL returns the server URL for the given config.
func (c ServerConfig) URL() string {
	return fmt.Sprintf("http://%s:%s", c.Host, c.Port)
}

// WaitForServer polls /ready until the download manager reports running.
func WaitForServer(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		resp, err := client.Get(url + "/ready")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer listener.Close()
	return fmt.Sprintf("%d", listener.Addr().(*net.TCPAddr).Port), nil
}

// StatusResponse matches the parts of the server's /status response tests
// look at.
type StatusResponse struct {
	Server  string `json:"server"`
	Home    string `json:"home"`
	Source  string `json:"source"`
	Manager struct {
		Running bool `json:"running"`
		Workers int  `json:"workers"`
	} `json:"manager"`
	Bypass struct {
		Enabled bool `json:"enabled"`
	} `json:"bypass"`
}

// GetStatus fetches the /status endpoint and returns the parsed response.
func GetStatus(url string) (*StatusResponse, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}
