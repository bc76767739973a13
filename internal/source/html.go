package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/singleflight"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/schema"
)

// HTMLSourceName identifies the HTML catalog adapter.
const HTMLSourceName = "html"

const (
	// DefaultBaseURL is the catalog front page.
	DefaultBaseURL = "https://annas-archive.org"
	// DefaultMaxCountdown caps a single mirror wait.
	DefaultMaxCountdown = 2 * time.Minute

	countdownPad      = 5 * time.Second
	countdownAttempts = 3
	noResultsMarker   = "No files found."
	searchMarker      = "🔍"
	downloadNowText   = "📚 Download now"
	searchResultCells = 11
)

// DefaultMirrors are the pages tried, in order, to find a download link.
// {base} is the catalog base URL and {id} the book id.
var DefaultMirrors = []string{
	"{base}/slow_download/{id}/0/2",
	"https://libgen.li/ads.php?md5={id}",
	"https://library.lol/fiction/{id}",
	"https://library.lol/main/{id}",
	"{base}/slow_download/{id}/0/0",
	"{base}/slow_download/{id}/0/1",
}

var infoPrefixes = []string{"isbn-", "alternative", "asin", "goodreads", "language", "year"}

// HTMLConfig configures an HTMLSource.
type HTMLConfig struct {
	BaseURL      string
	Language     string
	Formats      []string
	DonatorKey   string
	Mirrors      []string
	MaxCountdown time.Duration
	Transport    *Transport
	Logger       *slog.Logger

	// Wait blocks for a mirror countdown. Defaults to a context-aware sleep.
	Wait func(ctx context.Context, d time.Duration) error
}

// HTMLSource scrapes the catalog's HTML pages.
type HTMLSource struct {
	base         string
	language     string
	donatorKey   string
	mirrors      []string
	maxCountdown time.Duration
	transport    *Transport
	wait         func(context.Context, time.Duration) error
	logger       *slog.Logger

	mu      sync.RWMutex
	formats []string

	lookups singleflight.Group
}

// NewHTMLSource creates an HTMLSource.
func NewHTMLSource(cfg HTMLConfig) *HTMLSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if len(cfg.Mirrors) == 0 {
		cfg.Mirrors = DefaultMirrors
	}
	if cfg.MaxCountdown <= 0 {
		cfg.MaxCountdown = DefaultMaxCountdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Transport == nil {
		cfg.Transport = NewTransport(TransportConfig{Logger: cfg.Logger})
	}
	if cfg.Wait == nil {
		cfg.Wait = sleepCtx
	}
	s := &HTMLSource{
		base:         strings.TrimRight(cfg.BaseURL, "/"),
		language:     cfg.Language,
		donatorKey:   cfg.DonatorKey,
		mirrors:      cfg.Mirrors,
		maxCountdown: cfg.MaxCountdown,
		transport:    cfg.Transport,
		wait:         cfg.Wait,
		logger:       cfg.Logger.With("source", HTMLSourceName),
	}
	s.SetFormats(cfg.Formats)
	return s
}

// Name returns the adapter name.
func (s *HTMLSource) Name() string { return HTMLSourceName }

// SetFormats replaces the formats searched for and used to rank results.
func (s *HTMLSource) SetFormats(formats []string) {
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

func (s *HTMLSource) currentFormats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.formats...)
}

// Search runs a catalog search. No matches yields an empty list.
func (s *HTMLSource) Search(ctx context.Context, q Query) ([]books.Book, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	page, err := s.transport.Get(ctx, "search", s.searchURL(q))
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if bytes.Contains(page, []byte(noResultsMarker)) {
		return []books.Book{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse search results: %w", err)
	}

	results := []books.Book{}
	doc.Find("table").First().Find("tr").Each(func(_ int, row *goquery.Selection) {
		if b, ok := parseResultRow(row); ok {
			results = append(results, b)
		}
	})

	formats := q.Format
	if len(formats) == 0 {
		formats = s.currentFormats()
	}
	SortByFormat(results, formats)
	return results, nil
}

func (s *HTMLSource) searchURL(q Query) string {
	langs := q.Lang
	if len(langs) == 0 && s.language != "" {
		langs = []string{s.language}
	}
	formats := q.Format
	if len(formats) == 0 {
		formats = s.currentFormats()
	}

	v := url.Values{}
	v.Set("index", "")
	v.Set("page", "1")
	v.Set("display", "table")
	v.Add("acc", "aa_download")
	v.Add("acc", "external_download")
	for _, l := range langs {
		v.Add("lang", l)
	}
	v.Set("sort", q.Sort)
	for _, f := range formats {
		v.Add("ext", f)
	}
	for _, c := range q.Content {
		v.Add("content", c)
	}
	v.Set("q", q.Terms())
	return s.base + "/search?" + v.Encode()
}

func parseResultRow(row *goquery.Selection) (books.Book, bool) {
	cells := row.Find("td")
	if cells.Length() < searchResultCells {
		return books.Book{}, false
	}
	href, ok := row.Find("a").First().Attr("href")
	if !ok {
		return books.Book{}, false
	}
	id := href[strings.LastIndex(href, "/")+1:]
	if id == "" {
		return books.Book{}, false
	}

	cell := func(i int) string { return leadingText(cells.Eq(i).Find("span").First()) }
	b := books.Book{
		ID:        id,
		Preview:   cells.Eq(0).Find("img").AttrOr("src", ""),
		Title:     cell(1),
		Author:    cell(2),
		Publisher: cell(3),
		Year:      cell(4),
		Language:  cell(7),
		Format:    strings.ToLower(cell(9)),
		Size:      cell(10),
	}
	return b, true
}

// Info looks up a book's detail page. Concurrent lookups of the same id
// share one request.
func (s *HTMLSource) Info(ctx context.Context, id string) (*books.Info, error) {
	v, err, _ := s.lookups.Do(id, func() (any, error) {
		return s.info(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	info := *v.(*books.Info)
	return &info, nil
}

func (s *HTMLSource) info(ctx context.Context, id string) (*books.Info, error) {
	page, err := s.transport.Get(ctx, "info", s.base+"/md5/"+url.PathEscape(id))
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("book %s: %w", id, books.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch book info for %s: %w", id, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to parse book info for %s: %w", id, err)
	}
	info, err := parseInfoPage(doc, id)
	if err != nil {
		return nil, fmt.Errorf("failed to parse book info for %s: %w", id, err)
	}
	return info, nil
}

func parseInfoPage(doc *goquery.Document, id string) (*books.Info, error) {
	data := doc.Find("body > main > div").First()
	if data.Length() == 0 {
		return nil, errors.New("missing content block")
	}

	divs := data.Find("div")
	start := 3
	divs.EachWithBreak(func(i int, d *goquery.Selection) bool {
		if strings.Contains(d.Text(), searchMarker) {
			start = i
			return false
		}
		return true
	})
	if start < 1 || start+2 >= divs.Length() {
		return nil, errors.New("unexpected page layout")
	}

	format, size := parseFormatLine(divs.Eq(start - 1).Text())
	info := &books.Info{
		Book: books.Book{
			ID:        id,
			Preview:   data.Find("img").First().AttrOr("src", ""),
			Title:     leadingText(divs.Eq(start)),
			Publisher: leadingText(divs.Eq(start + 1)),
			Author:    leadingText(divs.Eq(start + 2)),
			Format:    format,
			Size:      size,
		},
		Details: parseDetails(divs.Slice(start+3, divs.Length())),
	}
	if v := info.Details["Language"]; len(v) > 0 {
		info.Language = v[0]
	}
	if v := info.Details["Year"]; len(v) > 0 {
		info.Year = v[0]
	}
	return info, nil
}

// parseFormatLine reads the "English [en], .epub, 2.1MB, ..." line that
// precedes the title.
func parseFormatLine(line string) (format, size string) {
	if parts := strings.SplitN(line, ".", 2); len(parts) == 2 {
		format = strings.ToLower(strings.TrimSpace(strings.SplitN(parts[1], ",", 2)[0]))
	}
	for _, tok := range strings.Split(line, ",") {
		tok = strings.TrimSpace(tok)
		if tok != "" && tok[0] >= '0' && tok[0] <= '9' {
			size = tok
			break
		}
	}
	return format, size
}

func parseDetails(divs *goquery.Selection) map[string][]string {
	raw := make(map[string][]string)
	addPairs := func(sel *goquery.Selection) {
		for i := 0; i+1 < sel.Length(); i += 2 {
			key := strings.TrimSpace(leadingText(sel.Eq(i)))
			raw[key] = append(raw[key], leadingText(sel.Eq(i+1)))
		}
	}

	if divs.Length() > 0 {
		addPairs(divs.First().Find("div"))
	}
	divs.EachWithBreak(func(_ int, d *goquery.Selection) bool {
		if d.Find(`div[aria-label="code tabs"]`).Length() > 0 {
			addPairs(d.Find("span"))
			return false
		}
		return true
	})

	out := make(map[string][]string)
	for k, v := range raw {
		lower := strings.ToLower(k)
		if strings.Contains(lower, "filename") {
			continue
		}
		for _, p := range infoPrefixes {
			if strings.HasPrefix(lower, p) {
				out[k] = v
				break
			}
		}
	}
	return out
}

// Resolve finds a direct download URL for id. The donator API is tried
// first when a key is configured, then each mirror page in order.
func (s *HTMLSource) Resolve(ctx context.Context, id string) (string, error) {
	if s.donatorKey != "" {
		link, err := s.fastDownload(ctx, id)
		if err == nil {
			return link, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		s.logger.Warn("fast download unavailable", "book_id", id, "error", err)
	}

	var (
		lastErr   error
		missing   int
		permanent int
	)
	for _, tmpl := range s.mirrors {
		page := strings.NewReplacer("{base}", s.base, "{id}", id).Replace(tmpl)
		link, err := s.mirrorLink(ctx, page)
		if err == nil {
			s.logger.Debug("resolved download link", "book_id", id, "mirror", page, "url", link)
			return link, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if IsStatus(err, http.StatusNotFound) {
			missing++
		}
		if IsPermanentStatus(err) {
			permanent++
		}
		s.logger.Debug("mirror failed", "book_id", id, "mirror", page, "error", err)
		lastErr = err
	}

	if missing == len(s.mirrors) {
		return "", notFound(id, nil)
	}
	return "", &books.ResolutionError{
		ID:        id,
		Permanent: permanent == len(s.mirrors),
		Err:       fmt.Errorf("no mirror produced a download link: %w", lastErr),
	}
}

func (s *HTMLSource) fastDownload(ctx context.Context, id string) (string, error) {
	v := url.Values{}
	v.Set("md5", id)
	v.Set("key", s.donatorKey)
	body, err := s.transport.Get(ctx, "fast_download", s.base+"/dyn/api/fast_download.json?"+v.Encode())
	if err != nil {
		return "", err
	}
	var resp struct {
		DownloadURL *string `json:"download_url"`
		Error       *string `json:"error"`
	}
	if err := schema.Decode(schema.FastDownload, body, &resp); err != nil {
		return "", err
	}
	if resp.DownloadURL == nil || *resp.DownloadURL == "" {
		msg := "no download url"
		if resp.Error != nil && *resp.Error != "" {
			msg = *resp.Error
		}
		return "", errors.New(msg)
	}
	return *resp.DownloadURL, nil
}

var errNoLink = errors.New("no download link on page")

// mirrorLink extracts a download link from a mirror page, waiting out a
// partner countdown when the page shows one.
func (s *HTMLSource) mirrorLink(ctx context.Context, page string) (string, error) {
	base, err := url.Parse(page)
	if err != nil {
		return "", err
	}

	for attempt := 0; attempt < countdownAttempts; attempt++ {
		body, err := s.transport.GetProtected(ctx, "mirror", page)
		if err != nil {
			return "", err
		}
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return "", err
		}

		if href := extractLink(doc); href != "" {
			ref, err := url.Parse(href)
			if err != nil {
				return "", fmt.Errorf("bad download link %q: %w", href, err)
			}
			return base.ResolveReference(ref).String(), nil
		}

		wait, ok := countdown(doc)
		if !ok {
			return "", errNoLink
		}
		if wait > s.maxCountdown {
			wait = s.maxCountdown
		}
		s.logger.Info("waiting for mirror countdown", "mirror", page, "wait", wait)
		if err := s.wait(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", errNoLink
}

func extractLink(doc *goquery.Document) string {
	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if strings.TrimSpace(a.Text()) == downloadNowText {
			href = a.AttrOr("href", "")
			return false
		}
		return true
	})
	if href != "" {
		return href
	}

	doc.Find("h2").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if strings.TrimSpace(h.Text()) != "GET" {
			return true
		}
		if p := h.Parent(); goquery.NodeName(p) == "a" {
			href = p.AttrOr("href", "")
		}
		return href == ""
	})
	if href != "" {
		return href
	}

	return doc.Find("a.addDownloadedBook[href]").First().AttrOr("href", "")
}

func countdown(doc *goquery.Document) (time.Duration, bool) {
	span := doc.Find("span.js-partner-countdown").First()
	if span.Length() == 0 {
		return 0, false
	}
	secs, err := strconv.Atoi(strings.TrimSpace(span.Text()))
	if err != nil || secs < 0 {
		secs = 0
	}
	return time.Duration(secs)*time.Second + countdownPad, true
}

// leadingText returns the first non-blank text node under sel, trimmed.
func leadingText(sel *goquery.Selection) string {
	var out string
	sel.Contents().EachWithBreak(func(_ int, n *goquery.Selection) bool {
		if goquery.NodeName(n) == "#text" {
			out = strings.TrimSpace(n.Text())
		} else {
			out = leadingText(n)
		}
		return out == ""
	})
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Source = (*HTMLSource)(nil)
