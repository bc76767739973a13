package source

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackzampolin/bookdrop/internal/books"
)

const MockSourceName = "mock"

// MockSource is an in-memory Source for testing.
type MockSource struct {
	// Configurable behavior
	ResolveFunc func(ctx context.Context, id string) (string, error)
	InfoErr     error
	SearchErr   error

	mu      sync.Mutex
	catalog map[string]books.Info
	order   []string
	calls   map[string]int
}

// NewMockSource creates a mock catalog holding list.
func NewMockSource(list ...books.Book) *MockSource {
	m := &MockSource{
		catalog: make(map[string]books.Info),
		calls:   make(map[string]int),
	}
	for _, b := range list {
		m.Add(books.Info{Book: b})
	}
	return m
}

// Add puts info into the catalog.
func (m *MockSource) Add(info books.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.catalog[info.ID]; !ok {
		m.order = append(m.order, info.ID)
	}
	m.catalog[info.ID] = info
}

// Name returns the source identifier.
func (m *MockSource) Name() string {
	return MockSourceName
}

// Search returns catalog entries whose title or author contains the terms.
func (m *MockSource) Search(ctx context.Context, q Query) ([]books.Book, error) {
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	terms := strings.ToLower(q.Terms())

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []books.Book
	for _, id := range m.order {
		b := m.catalog[id].Book
		hay := strings.ToLower(b.Title + " " + b.Author + " " + b.ID)
		if terms == "" || strings.Contains(hay, terms) {
			out = append(out, b)
		}
	}
	return out, nil
}

// Resolve returns mock://<id> for known ids, a permanent not-found error
// otherwise. ResolveFunc overrides both.
func (m *MockSource) Resolve(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	m.calls[id]++
	_, known := m.catalog[id]
	fn := m.ResolveFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, id)
	}
	if !known {
		return "", notFound(id, nil)
	}
	return "mock://" + id, nil
}

// Info returns the catalog entry for id.
func (m *MockSource) Info(ctx context.Context, id string) (*books.Info, error) {
	if m.InfoErr != nil {
		return nil, m.InfoErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.catalog[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	return &info, nil
}

// ResolveCalls returns how many times Resolve was called for id.
func (m *MockSource) ResolveCalls(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[id]
}

var _ Source = (*MockSource)(nil)
