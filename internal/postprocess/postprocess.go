// Package postprocess validates and converts downloaded files before they are
// promoted into the ingest directory.
package postprocess

import (
	"context"
	"fmt"
)

// Result is the outcome of processing a file.
type Result struct {
	// Path is where the processed file now lives. It may differ from the
	// input path when a processor renames or converts the file.
	Path string
	// Format is the canonical extension of the file, without a dot.
	Format string
}

// Processor validates or converts a downloaded file.
//
// Implementations return *books.ValidationError or *books.ConversionError for
// problems with the file itself. Neither is retried.
type Processor interface {
	Process(ctx context.Context, path string) (Result, error)
}

// Func adapts a function to the Processor interface.
type Func func(ctx context.Context, path string) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, path string) (Result, error) {
	return f(ctx, path)
}

// Passthrough accepts every file and reports its current extension.
var Passthrough = Func(func(ctx context.Context, path string) (Result, error) {
	return Result{Path: path, Format: extOf(path)}, nil
})

// Chain runs processors in order, feeding each the previous result's path.
type Chain []Processor

// Process runs every processor in the chain. The last non-empty format wins.
func (c Chain) Process(ctx context.Context, path string) (Result, error) {
	res := Result{Path: path, Format: extOf(path)}
	for i, p := range c {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		next, err := p.Process(ctx, res.Path)
		if err != nil {
			return res, fmt.Errorf("step %d: %w", i+1, err)
		}
		if next.Path != "" {
			res.Path = next.Path
		}
		if next.Format != "" {
			res.Format = next.Format
		}
	}
	return res, nil
}
