// Package source talks to external book catalogs.
//
// A Source searches a catalog, resolves a catalog id to a direct download
// URL, and looks up extended metadata. Resolution failures are reported as
// *books.ResolutionError so the download manager can tell a missing book
// from a transient outage.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// Source is a book catalog.
type Source interface {
	Name() string
	Search(ctx context.Context, q Query) ([]books.Book, error)
	Resolve(ctx context.Context, id string) (string, error)
	Info(ctx context.Context, id string) (*books.Info, error)
}

// Query is a catalog search.
type Query struct {
	Text    string   `json:"query"`
	Author  string   `json:"author,omitempty"`
	Title   string   `json:"title,omitempty"`
	ISBN    string   `json:"isbn,omitempty"`
	Lang    []string `json:"lang,omitempty"`
	Format  []string `json:"format,omitempty"`
	Sort    string   `json:"sort,omitempty"`
	Content []string `json:"content,omitempty"`
}

// Terms joins the free-text parts of the query.
func (q Query) Terms() string {
	var parts []string
	for _, p := range []string{q.ISBN, q.Title, q.Author, q.Text} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// Validate rejects queries without any search terms.
func (q Query) Validate() error {
	if q.Terms() == "" {
		return fmt.Errorf("search query is required")
	}
	return nil
}

// SortByFormat orders results by the position of their format in formats.
// Unknown formats sort last; ties keep catalog order.
func SortByFormat(results []books.Book, formats []string) {
	rank := make(map[string]int, len(formats))
	for i, f := range formats {
		rank[strings.ToLower(f)] = i
	}
	pos := func(b books.Book) int {
		if r, ok := rank[strings.ToLower(b.Format)]; ok {
			return r
		}
		return len(formats)
	}
	sort.SliceStable(results, func(i, j int) bool {
		return pos(results[i]) < pos(results[j])
	})
}

func notFound(id string, cause error) error {
	err := books.ErrNotFound
	if cause != nil {
		err = fmt.Errorf("%w: %v", books.ErrNotFound, cause)
	}
	return &books.ResolutionError{ID: id, Permanent: true, Err: err}
}
