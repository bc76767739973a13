package postprocess

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/bookdrop/internal/books"
)

const headerLen = 4096

var (
	magicZip   = []byte("PK\x03\x04")
	magicPDF   = []byte("%PDF-")
	magicMOBI  = []byte("BOOKMOBI")
	magicDjVu  = []byte("AT&TFORM")
	magicRar   = []byte("Rar!\x1a\x07")
	magicFB2   = []byte("<FictionBook")
	epubMime   = "application/epub+zip"
	imageExts  = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true}
	mobiOffset = 60
)

// ValidatorConfig configures a Validator.
type ValidatorConfig struct {
	// Formats lists the accepted canonical formats. Empty accepts anything
	// that can be identified.
	Formats []string
	Logger  *slog.Logger
}

// Validator identifies a downloaded file by its content, rejects files that
// are empty, unreadable or of an unaccepted format, and renames the file to
// its canonical extension. The incoming extension is used only as a hint to
// pick between formats that share a container (mobi and azw3).
type Validator struct {
	mu      sync.RWMutex
	formats map[string]bool
	logger  *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	v := &Validator{logger: cfg.Logger}
	v.SetFormats(cfg.Formats)
	return v
}

// SetFormats replaces the accepted formats.
func (v *Validator) SetFormats(formats []string) {
	set := make(map[string]bool, len(formats))
	for _, f := range formats {
		f = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(f)), ".")
		if f != "" {
			set[f] = true
		}
	}
	v.mu.Lock()
	v.formats = set
	v.mu.Unlock()
}

func (v *Validator) accepts(format string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.formats) == 0 || v.formats[format]
}

// Process identifies the file at p and renames it to its canonical extension.
func (v *Validator) Process(ctx context.Context, p string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	format, err := Identify(p)
	if err != nil {
		return Result{}, err
	}
	if !v.accepts(format) {
		return Result{}, &books.ValidationError{Path: p, Reason: fmt.Sprintf("format %s is not supported", format)}
	}

	target := strings.TrimSuffix(p, filepath.Ext(p)) + "." + format
	if target != p {
		if err := os.Rename(p, target); err != nil {
			return Result{}, fmt.Errorf("failed to rename to canonical extension: %w", err)
		}
	}
	v.logger.Debug("validated file", "path", target, "format", format)
	return Result{Path: target, Format: format}, nil
}

// Identify returns the canonical format of the file at p.
func Identify(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", &books.ValidationError{Path: p, Reason: "file is not readable"}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", &books.ValidationError{Path: p, Reason: "file is not readable"}
	}
	if info.Size() == 0 {
		return "", &books.ValidationError{Path: p, Reason: "file is empty"}
	}

	head := make([]byte, headerLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return "", &books.ValidationError{Path: p, Reason: "file is not readable"}
	}
	head = head[:n]
	hint := extOf(p)

	switch {
	case bytes.HasPrefix(head, magicZip):
		return identifyZip(p, hint)
	case bytes.HasPrefix(head, magicPDF):
		return identifyPDF(f, p)
	case len(head) >= mobiOffset+len(magicMOBI) && bytes.Equal(head[mobiOffset:mobiOffset+len(magicMOBI)], magicMOBI):
		if hint == "azw3" || hint == "azw" {
			return hint, nil
		}
		return "mobi", nil
	case bytes.HasPrefix(head, magicDjVu):
		return "djvu", nil
	case bytes.HasPrefix(head, magicRar):
		return "cbr", nil
	case bytes.Contains(head, magicFB2):
		return "fb2", nil
	}
	return "", &books.ValidationError{Path: p, Reason: "unrecognized file format"}
}

func identifyZip(p, hint string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return "", &books.ValidationError{Path: p, Reason: "corrupt zip archive"}
	}
	defer zr.Close()

	if len(zr.File) == 0 {
		return "", &books.ValidationError{Path: p, Reason: "empty archive"}
	}

	var images, container bool
	for _, zf := range zr.File {
		switch {
		case zf.Name == "mimetype":
			mime, err := readSmall(zf)
			if err != nil {
				return "", &books.ValidationError{Path: p, Reason: "corrupt zip archive"}
			}
			if strings.TrimSpace(mime) == epubMime {
				return "epub", nil
			}
		case zf.Name == "META-INF/container.xml":
			container = true
		case imageExts[strings.ToLower(path.Ext(zf.Name))]:
			images = true
		}
	}

	switch {
	case container:
		return "epub", nil
	case images && hint != "epub":
		return "cbz", nil
	}
	return "", &books.ValidationError{Path: p, Reason: "archive is neither an epub nor a comic"}
}

func identifyPDF(f *os.File, p string) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", &books.ValidationError{Path: p, Reason: "file is not readable"}
	}
	pages, err := api.PageCount(f, nil)
	if err != nil {
		return "", &books.ValidationError{Path: p, Reason: "corrupt pdf"}
	}
	if pages == 0 {
		return "", &books.ValidationError{Path: p, Reason: "pdf has no pages"}
	}
	return "pdf", nil
}

func readSmall(zf *zip.File) (string, error) {
	rc, err := zf.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	b, err := io.ReadAll(io.LimitReader(rc, 128))
	return string(b), err
}

func extOf(p string) string {
	return books.Ext(p)
}
