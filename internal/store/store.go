// Package store holds the BookRecord map and the in-flight set. It is the only
// shared mutable state of the download core; every mutation happens under a
// short critical section and is mirrored to an optional Persister.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// DefaultMaxRecords bounds the number of records kept when no limit is set.
const DefaultMaxRecords = 1000

// Config configures a Store.
type Config struct {
	// MaxRecords caps the number of records. Oldest terminal records are
	// evicted first; when none can be evicted Enqueue returns a CapacityError.
	MaxRecords int
	// Persister mirrors mutations to durable storage (optional).
	Persister Persister
	Logger    *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store is a concurrency-safe map from book id to its lifecycle record.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*books.Record
	inFlight map[string]context.CancelFunc

	maxRecords int
	persist    Persister
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = DefaultMaxRecords
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Persister == nil {
		cfg.Persister = nopPersister{}
	}
	return &Store{
		records:    make(map[string]*books.Record),
		inFlight:   make(map[string]context.CancelFunc),
		maxRecords: cfg.MaxRecords,
		persist:    cfg.Persister,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Load replaces the in-memory map with the persisted records.
// Returns the number of records loaded.
func (s *Store) Load() (int, error) {
	recs, err := s.persist.LoadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to load records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*books.Record, len(recs))
	for i := range recs {
		rec := recs[i]
		if rec.ID == "" || !rec.State.Valid() {
			s.logger.Warn("skipping invalid persisted record", "id", rec.ID, "state", rec.State)
			continue
		}
		s.records[rec.ID] = &rec
	}
	return len(s.records), nil
}

// Enqueue creates a queued record for book. If a non-terminal record already
// exists it is returned unchanged with created=false. A terminal record is
// replaced by a fresh one.
func (s *Store) Enqueue(book books.Book, priority int) (books.Record, bool, error) {
	if book.ID == "" {
		return books.Record{}, false, fmt.Errorf("book id is required")
	}

	s.mu.Lock()
	if existing, ok := s.records[book.ID]; ok && !existing.State.Terminal() {
		rec := existing.Clone()
		s.mu.Unlock()
		return rec, false, nil
	}

	var evicted string
	if _, replacing := s.records[book.ID]; !replacing && len(s.records) >= s.maxRecords {
		evicted = s.oldestTerminalLocked()
		if evicted == "" {
			s.mu.Unlock()
			return books.Record{}, false, &books.CapacityError{Resource: "record store", Limit: s.maxRecords}
		}
		delete(s.records, evicted)
	}

	rec := books.NewRecord(book, priority, s.now())
	s.records[book.ID] = rec
	out := rec.Clone()
	s.mu.Unlock()

	if evicted != "" {
		s.logger.Debug("evicted terminal record", "id", evicted)
		s.persist.Delete(evicted)
	}
	s.persist.Save(out)
	return out, true, nil
}

// Get returns a copy of the record for id.
func (s *Store) Get(id string) (books.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return books.Record{}, fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

// List returns copies of all records ordered by creation time.
func (s *Store) List() []books.Record {
	s.mu.RLock()
	out := make([]books.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Counts returns the number of records per state.
func (s *Store) Counts() map[books.State]int {
	counts := make(map[books.State]int, len(books.States))
	for _, st := range books.States {
		counts[st] = 0
	}
	s.mu.RLock()
	for _, rec := range s.records {
		counts[rec.State]++
	}
	s.mu.RUnlock()
	return counts
}

// Acquire claims the in-flight slot for id. It succeeds only when the record
// is queued, not cancelled and not already held by another worker. cancel is
// invoked if the record is cancelled while held. A queued record still
// carrying a cancel request is cancelled instead of acquired.
func (s *Store) Acquire(id string, cancel context.CancelFunc) (books.Record, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.State != books.StateQueued {
		s.mu.Unlock()
		return books.Record{}, false
	}
	if _, held := s.inFlight[id]; held {
		s.mu.Unlock()
		return books.Record{}, false
	}
	if rec.CancelRequested {
		out := s.cancelLocked(rec)
		s.mu.Unlock()
		s.persist.Save(out)
		return books.Record{}, false
	}
	if cancel == nil {
		cancel = func() {}
	}
	s.inFlight[id] = cancel
	out := rec.Clone()
	s.mu.Unlock()
	return out, true
}

// Release frees the in-flight slot for id and returns the record as left.
// A queued record flagged for cancellation while it was held has no worker
// left to finish it, so Release cancels it; cancelled reports that case.
func (s *Store) Release(id string) (rec books.Record, cancelled bool) {
	s.mu.Lock()
	delete(s.inFlight, id)
	r, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return books.Record{}, false
	}
	if r.State == books.StateQueued && r.CancelRequested {
		out := s.cancelLocked(r)
		s.mu.Unlock()
		s.persist.Save(out)
		return out, true
	}
	out := r.Clone()
	s.mu.Unlock()
	return out, false
}

// cancelLocked moves a queued record to cancelled. s.mu must be held.
func (s *Store) cancelLocked(rec *books.Record) books.Record {
	rec.State = books.StateCancelled
	rec.CancelRequested = false
	rec.Progress = 0
	rec.UpdatedAt = s.now()
	return rec.Clone()
}

// InFlight reports whether a worker holds id.
func (s *Store) InFlight(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.inFlight[id]
	return ok
}

// InFlightIDs returns the ids currently held by workers, sorted.
func (s *Store) InFlightIDs() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Transition moves id from state from to state to if the record is currently
// in from. mutate, if non-nil, is applied under the same lock and may not
// change the state.
func (s *Store) Transition(id string, from, to books.State, mutate func(*books.Record)) (books.Record, error) {
	if !books.CanTransition(from, to) {
		return books.Record{}, fmt.Errorf("%w: %s -> %s", books.ErrInvalidTransition, from, to)
	}

	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return books.Record{}, fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	if rec.State != from {
		current := rec.State
		s.mu.Unlock()
		return books.Record{}, fmt.Errorf("%w: %s is %s, expected %s", books.ErrStateConflict, id, current, from)
	}
	if mutate != nil {
		mutate(rec)
	}
	rec.State = to
	rec.UpdatedAt = s.now()
	out := rec.Clone()
	s.mu.Unlock()

	s.persist.Save(out)
	return out, nil
}

// Update applies a non-state mutation to a non-terminal record.
func (s *Store) Update(id string, mutate func(*books.Record)) (books.Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return books.Record{}, fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		state := rec.State
		s.mu.Unlock()
		return books.Record{}, fmt.Errorf("%w: %s is %s", books.ErrStateConflict, id, state)
	}
	state := rec.State
	mutate(rec)
	rec.State = state
	rec.UpdatedAt = s.now()
	out := rec.Clone()
	s.mu.Unlock()

	s.persist.Save(out)
	return out, nil
}

// SetProgress records transfer progress without persisting it.
func (s *Store) SetProgress(id string, pct float64) {
	s.mu.Lock()
	if rec, ok := s.records[id]; ok && rec.State == books.StateDownloading {
		rec.Progress = pct
		rec.UpdatedAt = s.now()
	}
	s.mu.Unlock()
}

// Cancel requests cancellation of id. A queued record that no worker holds
// is cancelled immediately. A held or active record is flagged and its
// attempt context cancelled; the owning worker completes the transition.
// Cancelling a terminal record is a no-op.
func (s *Store) Cancel(id string) (books.Record, error) {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return books.Record{}, fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	if rec.State.Terminal() {
		out := rec.Clone()
		s.mu.Unlock()
		return out, nil
	}

	cancel, held := s.inFlight[id]
	if !held {
		// No worker owns it: queued, waiting on a retry timer, or abandoned.
		rec.State = books.StateCancelled
		rec.CancelRequested = false
	} else {
		rec.CancelRequested = true
	}
	rec.UpdatedAt = s.now()
	out := rec.Clone()
	s.mu.Unlock()

	if held {
		cancel()
	}
	s.persist.Save(out)
	return out, nil
}

// Remove deletes a terminal record.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", books.ErrNotFound, id)
	}
	if !rec.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot remove %s record", books.ErrStateConflict, rec.State)
	}
	delete(s.records, id)
	s.mu.Unlock()

	s.persist.Delete(id)
	return nil
}

// ClearTerminal removes every terminal record and returns their ids.
func (s *Store) ClearTerminal() []string {
	return s.removeWhere(func(rec *books.Record) bool {
		return rec.State.Terminal()
	})
}

// ExpireTerminal removes terminal records not updated within ttl.
func (s *Store) ExpireTerminal(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}
	cutoff := s.now().Add(-ttl)
	return s.removeWhere(func(rec *books.Record) bool {
		return rec.State.Terminal() && rec.UpdatedAt.Before(cutoff)
	})
}

// RequeueAbandoned moves downloading/converting records that no worker holds
// and that have not been updated within staleAfter back to queued. A zero
// staleAfter requeues every such record. Returns the requeued records.
func (s *Store) RequeueAbandoned(staleAfter time.Duration) []books.Record {
	cutoff := s.now().Add(-staleAfter)

	s.mu.Lock()
	var out []books.Record
	for id, rec := range s.records {
		if !rec.State.Active() {
			continue
		}
		if _, held := s.inFlight[id]; held {
			continue
		}
		if staleAfter > 0 && !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		if rec.CancelRequested {
			rec.State = books.StateCancelled
			rec.CancelRequested = false
		} else {
			rec.State = books.StateQueued
			rec.Progress = 0
			rec.LastError = "abandoned by worker"
		}
		rec.UpdatedAt = s.now()
		out = append(out, rec.Clone())
	}
	s.mu.Unlock()

	for _, rec := range out {
		s.persist.Save(rec)
	}
	return out
}

// Queued returns queued records that no worker holds, ordered by priority
// then creation time.
func (s *Store) Queued() []books.Record {
	s.mu.RLock()
	var out []books.Record
	for id, rec := range s.records {
		if rec.State != books.StateQueued {
			continue
		}
		if _, held := s.inFlight[id]; held {
			continue
		}
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) removeWhere(match func(*books.Record) bool) []string {
	s.mu.Lock()
	var removed []string
	for id, rec := range s.records {
		if _, held := s.inFlight[id]; held {
			continue
		}
		if match(rec) {
			delete(s.records, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	for _, id := range removed {
		s.persist.Delete(id)
	}
	sort.Strings(removed)
	return removed
}

func (s *Store) oldestTerminalLocked() string {
	var (
		oldestID string
		oldestAt time.Time
	)
	for id, rec := range s.records {
		if !rec.State.Terminal() {
			continue
		}
		if _, held := s.inFlight[id]; held {
			continue
		}
		if oldestID == "" || rec.UpdatedAt.Before(oldestAt) {
			oldestID, oldestAt = id, rec.UpdatedAt
		}
	}
	return oldestID
}
