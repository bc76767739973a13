package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/mmcdole/gofeed/atom"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// OPDSSourceName identifies the OPDS catalog adapter.
const OPDSSourceName = "opds"

const (
	relAcquisition = "http://opds-spec.org/acquisition"
	relOpenAccess  = "http://opds-spec.org/acquisition/open-access"
	relImage       = "http://opds-spec.org/image"
	relThumbnail   = "http://opds-spec.org/image/thumbnail"
	relSearch      = "search"

	searchTermsParam = "{searchTerms}"
)

var mimeFormats = map[string]string{
	"application/epub+zip":           "epub",
	"application/x-mobipocket-ebook": "mobi",
	"application/vnd.amazon.ebook":   "azw3",
	"application/x-mobi8-ebook":      "azw3",
	"application/pdf":                "pdf",
	"application/x-fictionbook+xml":  "fb2",
	"image/vnd.djvu":                 "djvu",
	"application/vnd.comicbook+zip":  "cbz",
	"application/x-cbz":              "cbz",
	"application/vnd.comicbook-rar":  "cbr",
	"application/x-cbr":              "cbr",
}

// OPDSConfig configures an OPDSSource.
type OPDSConfig struct {
	CatalogURL string
	Username   string
	Password   string
	Formats    []string
	Transport  *Transport
	Logger     *slog.Logger
}

type opdsEntry struct {
	info books.Info
	href string
}

// OPDSSource searches an OPDS (Atom) catalog. Download links are learned
// from search results; resolving an unseen id searches for it first.
type OPDSSource struct {
	catalog   string
	username  string
	password  string
	transport *Transport
	logger    *slog.Logger

	mu        sync.RWMutex
	formats   []string
	entries   map[string]opdsEntry
	searchURL string
}

// NewOPDSSource creates an OPDSSource.
func NewOPDSSource(cfg OPDSConfig) (*OPDSSource, error) {
	if cfg.CatalogURL == "" {
		return nil, errors.New("OPDS catalog URL is not configured")
	}
	if _, err := url.Parse(cfg.CatalogURL); err != nil {
		return nil, fmt.Errorf("invalid OPDS catalog URL: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(TransportConfig{
			Logger:   cfg.Logger,
			Username: cfg.Username,
			Password: cfg.Password,
		})
	}
	s := &OPDSSource{
		catalog:   cfg.CatalogURL,
		username:  cfg.Username,
		password:  cfg.Password,
		transport: cfg.Transport,
		logger:    cfg.Logger.With("source", OPDSSourceName),
		entries:   make(map[string]opdsEntry),
	}
	s.SetFormats(cfg.Formats)
	return s, nil
}

// Name returns the adapter name.
func (s *OPDSSource) Name() string { return OPDSSourceName }

// SetFormats replaces the formats used to rank results.
func (s *OPDSSource) SetFormats(formats []string) {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		if f = strings.ToLower(strings.TrimSpace(f)); f != "" {
			out = append(out, f)
		}
	}
	s.mu.Lock()
	s.formats = out
	s.mu.Unlock()
}

// Search queries the catalog's search feed.
func (s *OPDSSource) Search(ctx context.Context, q Query) ([]books.Book, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return s.search(ctx, q.Terms(), q.Format)
}

func (s *OPDSSource) search(ctx context.Context, terms string, formats []string) ([]books.Book, error) {
	tmpl, err := s.searchTemplate(ctx)
	if err != nil {
		return nil, err
	}
	target := strings.ReplaceAll(tmpl, searchTermsParam, url.QueryEscape(terms))

	feed, err := s.feed(ctx, "search", target)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	base, _ := url.Parse(target)

	s.mu.Lock()
	results := []books.Book{}
	for _, entry := range feed.Entries {
		e, ok := parseEntry(entry, base)
		if !ok {
			continue
		}
		s.entries[e.info.ID] = e
		results = append(results, e.info.Book)
	}
	if len(formats) == 0 {
		formats = s.formats
	}
	SortByFormat(results, formats)
	s.mu.Unlock()

	return results, nil
}

// searchTemplate finds the catalog's search link, falling back to a q
// parameter on the catalog URL.
func (s *OPDSSource) searchTemplate(ctx context.Context) (string, error) {
	s.mu.RLock()
	tmpl := s.searchURL
	s.mu.RUnlock()
	if tmpl != "" {
		return tmpl, nil
	}

	root, err := s.feed(ctx, "catalog", s.catalog)
	if err != nil {
		return "", fmt.Errorf("failed to load OPDS catalog: %w", err)
	}
	base, _ := url.Parse(s.catalog)
	for _, link := range root.Links {
		if link.Rel == relSearch && strings.Contains(link.Href, searchTermsParam) {
			tmpl = resolveHref(base, link.Href)
			break
		}
	}
	if tmpl == "" {
		sep := "?"
		if strings.Contains(s.catalog, "?") {
			sep = "&"
		}
		tmpl = s.catalog + sep + "q=" + searchTermsParam
	}
	// Unescape the braces ResolveReference may have encoded.
	tmpl = strings.NewReplacer("%7B", "{", "%7D", "}").Replace(tmpl)

	s.mu.Lock()
	s.searchURL = tmpl
	s.mu.Unlock()
	return tmpl, nil
}

func (s *OPDSSource) feed(ctx context.Context, route, target string) (*atom.Feed, error) {
	body, err := s.transport.Get(ctx, route, target)
	if err != nil {
		return nil, err
	}
	fp := &atom.Parser{}
	feed, err := fp.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse OPDS feed as Atom: %w", err)
	}
	return feed, nil
}

// Resolve returns the acquisition link of id.
func (s *OPDSSource) Resolve(ctx context.Context, id string) (string, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	return s.withCredentials(e.href), nil
}

// Info returns the metadata of id from the catalog.
func (s *OPDSSource) Info(ctx context.Context, id string) (*books.Info, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		var re *books.ResolutionError
		if errors.As(err, &re) && re.Permanent {
			return nil, fmt.Errorf("book %s: %w", id, books.ErrNotFound)
		}
		return nil, err
	}
	info := e.info
	return &info, nil
}

func (s *OPDSSource) lookup(ctx context.Context, id string) (opdsEntry, error) {
	if e, ok := s.cached(id); ok {
		return e, nil
	}
	if _, err := s.search(ctx, id, nil); err != nil {
		if ctx.Err() != nil {
			return opdsEntry{}, ctx.Err()
		}
		return opdsEntry{}, &books.ResolutionError{ID: id, Permanent: IsPermanentStatus(err), Err: err}
	}
	if e, ok := s.cached(id); ok {
		return e, nil
	}
	return opdsEntry{}, notFound(id, nil)
}

func (s *OPDSSource) cached(id string) (opdsEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// withCredentials embeds basic auth in the download URL so the fetcher can
// reach protected acquisition links.
func (s *OPDSSource) withCredentials(href string) string {
	if s.username == "" {
		return href
	}
	u, err := url.Parse(href)
	if err != nil || u.User != nil {
		return href
	}
	u.User = url.UserPassword(s.username, s.password)
	return u.String()
}

func parseEntry(entry *atom.Entry, base *url.URL) (opdsEntry, bool) {
	var (
		href, mime string
		thumb      string
	)
	for _, link := range entry.Links {
		switch link.Rel {
		case relThumbnail:
			thumb = link.Href
		case relImage:
			if thumb == "" {
				thumb = link.Href
			}
		case relOpenAccess, relAcquisition:
			if href == "" || link.Type == "application/epub+zip" {
				href, mime = link.Href, link.Type
			}
		}
	}
	if href == "" || entry.ID == "" {
		return opdsEntry{}, false
	}

	b := books.Book{
		ID:     entry.ID,
		Title:  strings.TrimSpace(entry.Title),
		Format: mimeFormats[strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0]))],
	}
	if len(entry.Authors) > 0 {
		b.Author = entry.Authors[0].Name
	}
	if thumb != "" {
		b.Preview = resolveHref(base, thumb)
	}
	if entry.Published != "" && len(entry.Published) >= 4 {
		b.Year = entry.Published[:4]
	}

	info := books.Info{Book: b}
	if entry.Summary != "" {
		info.Details = map[string][]string{"Summary": {strings.TrimSpace(entry.Summary)}}
	}
	return opdsEntry{info: info, href: resolveHref(base, href)}, true
}

func resolveHref(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

var _ Source = (*OPDSSource)(nil)
