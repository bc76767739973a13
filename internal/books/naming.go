package books

import (
	"path/filepath"
	"strings"
	"unicode"
)

const maxFileNameLen = 200

// FileName returns the ingest file name for a record. When useTitle is set
// and the record has a usable title, the sanitized title is used; otherwise
// the id. ext may be given with or without a leading dot.
func FileName(rec Record, useTitle bool, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	base := ""
	if useTitle {
		base = SanitizeFileName(rec.Title)
	}
	if base == "" {
		base = SanitizeFileName(rec.ID)
	}
	if base == "" {
		base = "book"
	}
	if ext == "" {
		return base
	}
	return base + "." + ext
}

// SanitizeFileName strips characters that are unsafe in file names on common
// filesystems and collapses whitespace.
func SanitizeFileName(name string) string {
	var b strings.Builder
	lastSpace := false
	for _, r := range strings.TrimSpace(name) {
		switch {
		case strings.ContainsRune(`\/:*?"<>|`, r), r == 0:
			continue
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
			}
			lastSpace = true
			continue
		case unicode.IsControl(r):
			continue
		}
		lastSpace = false
		b.WriteRune(r)
	}
	out := strings.Trim(b.String(), " .")
	if len(out) > maxFileNameLen {
		out = strings.TrimSpace(truncateRunes(out, maxFileNameLen))
	}
	return out
}

// Ext returns the lowercase extension of path without the dot.
func Ext(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

func truncateRunes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := 0
	for i := range s {
		if i > maxBytes {
			break
		}
		cut = i
	}
	return s[:cut]
}
