package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// DefaultScriptTimeout bounds a single script run.
const DefaultScriptTimeout = 10 * time.Minute

// ScriptConfig configures a Script.
type ScriptConfig struct {
	// Command is the executable invoked with the file path as its only
	// argument. It may modify the file in place.
	Command string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Script runs a user-provided executable against each file.
type Script struct {
	command string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScript creates a Script processor.
func NewScript(cfg ScriptConfig) *Script {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultScriptTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Script{command: cfg.Command, timeout: cfg.Timeout, logger: cfg.Logger}
}

// Process runs the script. A non-zero exit is a ConversionError.
func (s *Script) Process(ctx context.Context, path string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.logger.Info("running custom script", "script", s.command, "path", path)
	cmd := exec.CommandContext(runCtx, s.command, path)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return Result{}, &books.ConversionError{Path: path, Reason: "custom script timed out", Err: err}
		}
		return Result{}, &books.ConversionError{
			Path:   path,
			Reason: "custom script failed",
			Err:    fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output))),
		}
	}

	if _, err := os.Stat(path); err != nil {
		return Result{}, &books.ConversionError{Path: path, Reason: "custom script removed the file", Err: err}
	}
	return Result{Path: path, Format: extOf(path)}, nil
}
