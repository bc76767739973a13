// Package jobs drives download records from queued to a terminal state.
//
// The Manager owns a priority queue of ids, a fixed pool of workers, and the
// retry timers. All record state lives in the store; the Manager only moves
// it along the state machine through compare-and-swap transitions.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/fetch"
	"github.com/jackzampolin/bookdrop/internal/metrics"
	"github.com/jackzampolin/bookdrop/internal/postprocess"
	"github.com/jackzampolin/bookdrop/internal/store"
)

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("download manager already running")

// Source resolves catalog ids.
type Source interface {
	// Resolve returns a direct download URL for id.
	Resolve(ctx context.Context, id string) (string, error)
	// Info returns metadata for id.
	Info(ctx context.Context, id string) (*books.Info, error)
}

// Fetcher streams a URL into a file under dir.
type Fetcher interface {
	Fetch(ctx context.Context, url, dir string, progress fetch.ProgressFunc) (*fetch.Result, error)
}

// Policy holds the tunables that may change while the manager runs.
type Policy struct {
	MaxRetry         int
	RetryDelay       time.Duration
	PollInterval     time.Duration
	SupportedFormats []string
	UseBookTitle     bool
	StatusTimeout    time.Duration
	StaleAfter       time.Duration
	InfoTimeout      time.Duration
	TmpDir           string
	IngestDir        string
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetry:         3,
		RetryDelay:       5 * time.Second,
		PollInterval:     5 * time.Second,
		SupportedFormats: []string{"epub", "mobi", "azw3", "fb2", "djvu", "cbz", "cbr"},
		StatusTimeout:    time.Hour,
		StaleAfter:       10 * time.Minute,
		InfoTimeout:      15 * time.Second,
		TmpDir:           "/tmp/cwa-book-downloader",
		IngestDir:        "/cwa-book-ingest",
	}
}

func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if p.MaxRetry <= 0 {
		p.MaxRetry = def.MaxRetry
	}
	if p.RetryDelay < 0 {
		p.RetryDelay = 0
	}
	if p.PollInterval <= 0 {
		p.PollInterval = def.PollInterval
	}
	if p.InfoTimeout <= 0 {
		p.InfoTimeout = def.InfoTimeout
	}
	if p.TmpDir == "" {
		p.TmpDir = def.TmpDir
	}
	if p.IngestDir == "" {
		p.IngestDir = def.IngestDir
	}
	return p
}

// Supports reports whether format is accepted. An empty list accepts all.
func (p Policy) Supports(format string) bool {
	if len(p.SupportedFormats) == 0 {
		return true
	}
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	for _, f := range p.SupportedFormats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Store     *store.Store
	Source    Source
	Fetcher   Fetcher
	Processor postprocess.Processor
	Workers   int // default 3
	QueueSize int // default 1000
	Policy    Policy
	Logger    *slog.Logger
}

// Manager runs the download pipeline.
type Manager struct {
	store     *store.Store
	source    Source
	fetcher   Fetcher
	processor postprocess.Processor
	queue     *Queue
	timers    *retryTimers
	workers   int
	logger    *slog.Logger

	policyMu sync.RWMutex
	policy   Policy

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewManager creates a Manager. Run must be called to start processing.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.Processor == nil {
		cfg.Processor = postprocess.Passthrough
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		store:     cfg.Store,
		source:    cfg.Source,
		fetcher:   cfg.Fetcher,
		processor: cfg.Processor,
		queue:     NewQueue(cfg.QueueSize),
		timers:    newRetryTimers(),
		workers:   cfg.Workers,
		logger:    cfg.Logger,
		policy:    cfg.Policy.withDefaults(),
	}, nil
}

// Policy returns the current policy.
func (m *Manager) Policy() Policy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// SetPolicy replaces the policy. Running attempts pick it up at their next
// decision point.
func (m *Manager) SetPolicy(p Policy) {
	p = p.withDefaults()
	m.policyMu.Lock()
	m.policy = p
	m.policyMu.Unlock()
	m.logger.Info("download policy updated",
		"max_retry", p.MaxRetry,
		"retry_delay", p.RetryDelay,
		"formats", p.SupportedFormats,
		"use_book_title", p.UseBookTitle,
	)
}

// Running reports whether Run is active.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Enqueue requests a download of book. A duplicate request for a record that
// is still in progress returns the existing record unchanged.
func (m *Manager) Enqueue(ctx context.Context, book books.Book, priority int) (books.Record, error) {
	book.ID = strings.TrimSpace(book.ID)
	if book.ID == "" {
		return books.Record{}, fmt.Errorf("book id is required")
	}

	if existing, err := m.store.Get(book.ID); err == nil && !existing.State.Terminal() {
		metrics.EnqueuedTotal.WithLabelValues("duplicate").Inc()
		return existing, nil
	}

	policy := m.Policy()
	book = m.fillMetadata(ctx, book, policy.InfoTimeout)
	if book.Format != "" && !policy.Supports(book.Format) {
		metrics.EnqueuedTotal.WithLabelValues("rejected").Inc()
		return books.Record{}, fmt.Errorf("%w: %s", books.ErrUnsupportedFormat, book.Format)
	}

	if m.queue.Len() >= m.queue.capacity {
		metrics.EnqueuedTotal.WithLabelValues("rejected").Inc()
		return books.Record{}, &books.CapacityError{Resource: "download queue", Limit: m.queue.capacity}
	}

	rec, created, err := m.store.Enqueue(book, priority)
	if err != nil {
		metrics.EnqueuedTotal.WithLabelValues("rejected").Inc()
		return books.Record{}, err
	}
	if !created {
		metrics.EnqueuedTotal.WithLabelValues("duplicate").Inc()
		return rec, nil
	}

	if err := m.queue.Push(rec.ID, rec.Priority); err != nil {
		// Lost a race for the last slot; undo the record.
		m.store.Cancel(rec.ID)
		m.store.Remove(rec.ID)
		metrics.EnqueuedTotal.WithLabelValues("rejected").Inc()
		return books.Record{}, err
	}

	metrics.EnqueuedTotal.WithLabelValues("created").Inc()
	m.logger.Info("download queued", "book_id", rec.ID, "title", rec.Title, "priority", rec.Priority)
	return rec, nil
}

// fillMetadata looks up the book's format when the request does not carry
// one. A failed lookup does not block the request.
func (m *Manager) fillMetadata(ctx context.Context, book books.Book, timeout time.Duration) books.Book {
	if book.Format != "" {
		return book
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	info, err := m.source.Info(lookupCtx, book.ID)
	if err != nil || info == nil {
		m.logger.Debug("metadata lookup failed, queuing without format", "book_id", book.ID, "error", err)
		return book
	}
	return book.Merge(info.Book)
}

// Cancel cancels a download. Queued records are cancelled immediately; an
// in-flight attempt is interrupted and cancelled by its worker.
func (m *Manager) Cancel(id string) (books.Record, error) {
	prev, err := m.store.Get(id)
	if err != nil {
		return books.Record{}, err
	}
	rec, err := m.store.Cancel(id)
	if err != nil {
		return books.Record{}, err
	}
	if rec.State == books.StateCancelled {
		m.queue.Remove(id)
		m.timers.Stop(id)
		if !prev.State.Terminal() {
			metrics.TransitionsTotal.WithLabelValues(string(books.StateCancelled)).Inc()
		}
	}
	m.logger.Info("download cancel requested", "book_id", id, "state", rec.State)
	return rec, nil
}

// SetPriority changes the priority of a non-terminal record.
func (m *Manager) SetPriority(id string, priority int) (books.Record, error) {
	rec, err := m.store.Update(id, func(r *books.Record) {
		r.Priority = priority
	})
	if err != nil {
		return books.Record{}, err
	}
	m.queue.SetPriority(id, priority)
	return rec, nil
}

// Reorder applies several priority changes. Returns the ids that were updated.
func (m *Manager) Reorder(priorities map[string]int) []string {
	var updated []string
	for id, p := range priorities {
		if _, err := m.SetPriority(id, p); err != nil {
			m.logger.Debug("reorder skipped id", "book_id", id, "error", err)
			continue
		}
		updated = append(updated, id)
	}
	return updated
}

// QueueOrder returns queued ids in the order workers will take them.
func (m *Manager) QueueOrder() []QueueItem {
	return m.queue.Order()
}

// Active returns the ids currently held by workers.
func (m *Manager) Active() []string {
	return m.store.InFlightIDs()
}

// ClearCompleted removes every terminal record. Returns the removed ids.
func (m *Manager) ClearCompleted() []string {
	removed := m.store.ClearTerminal()
	if len(removed) > 0 {
		m.logger.Info("cleared completed downloads", "count", len(removed))
	}
	return removed
}

// Get returns the record for id.
func (m *Manager) Get(id string) (books.Record, error) {
	return m.store.Get(id)
}

// Info looks up metadata for id at the source.
func (m *Manager) Info(ctx context.Context, id string) (*books.Info, error) {
	return m.source.Info(ctx, id)
}

// Stats summarizes the manager.
type Stats struct {
	Running        bool                `json:"running"`
	Workers        int                 `json:"workers"`
	Queue          QueueStats          `json:"queue"`
	InFlight       int                 `json:"in_flight"`
	PendingRetries int                 `json:"pending_retries"`
	Records        map[books.State]int `json:"records"`
}

// Stats returns current counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Running:        m.Running(),
		Workers:        m.workers,
		Queue:          m.queue.Stats(),
		InFlight:       len(m.store.InFlightIDs()),
		PendingRetries: m.timers.Len(),
		Records:        m.store.Counts(),
	}
}

// Run recovers persisted work, starts the workers and the maintenance loop,
// and blocks until ctx is cancelled. In-flight attempts are returned to
// queued before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	m.recoverRecords()

	m.logger.Info("download manager starting", "workers", m.workers)
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go m.worker(ctx, i)
	}

	m.wg.Add(1)
	go m.maintain(ctx)

	<-ctx.Done()
	m.timers.StopAll()
	m.wg.Wait()
	m.logger.Info("download manager stopped")
	return nil
}

// transition wraps the store CAS and counts the edge.
func (m *Manager) transition(id string, from, to books.State, mutate func(*books.Record)) (books.Record, error) {
	rec, err := m.store.Transition(id, from, to, mutate)
	if err != nil {
		return rec, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(to)).Inc()
	return rec, nil
}

// requeue pushes a queued record back onto the queue, at the back of its
// priority class.
func (m *Manager) requeue(id string) {
	rec, err := m.store.Get(id)
	if err != nil || rec.State != books.StateQueued {
		return
	}
	if err := m.queue.Push(id, rec.Priority); err != nil {
		// The maintenance sweep pushes it once there is room.
		m.logger.Warn("failed to requeue download", "book_id", id, "error", err)
	}
}
