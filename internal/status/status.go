// Package status projects download records into the views polled by the UI.
package status

import (
	"os"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/store"
)

// Entry is the display projection of a record.
type Entry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Author    string    `json:"author,omitempty"`
	Format    string    `json:"format,omitempty"`
	Size      string    `json:"size,omitempty"`
	Preview   string    `json:"preview,omitempty"`
	Progress  float64   `json:"progress"`
	Priority  int       `json:"priority"`
	UpdatedAt time.Time `json:"updated_at"`

	// Only set for records in error.
	Attempt int    `json:"attempt,omitempty"`
	Error   string `json:"error,omitempty"`

	// Ingested is set for available records whose file has already been
	// taken out of the ingest directory by the library.
	Ingested bool `json:"ingested,omitempty"`
}

// Snapshot groups entries by state, then by id. Every state is present.
type Snapshot map[books.State]map[string]Entry

// QueuedEntry is a queued record with its position.
type QueuedEntry struct {
	Position int    `json:"position"`
	ID       string `json:"id"`
	Title    string `json:"title,omitempty"`
	Priority int    `json:"priority"`
}

// Queue exposes the manager's queue views.
type Queue interface {
	QueueOrder() []jobs.QueueItem
	Active() []string
}

// Reporter builds read-only views of the store.
type Reporter struct {
	store *store.Store
	queue Queue
	stat  func(string) (os.FileInfo, error)
}

// NewReporter creates a Reporter. queue may be nil.
func NewReporter(s *store.Store, q Queue) *Reporter {
	return &Reporter{store: s, queue: q, stat: os.Stat}
}

// Snapshot returns every record grouped by state.
func (r *Reporter) Snapshot() Snapshot {
	snap := make(Snapshot, len(books.States))
	for _, st := range books.States {
		snap[st] = make(map[string]Entry)
	}
	for _, rec := range r.store.List() {
		snap[rec.State][rec.ID] = r.entry(rec)
	}
	return snap
}

// Counts returns the number of records per state.
func (r *Reporter) Counts() map[books.State]int {
	return r.store.Counts()
}

// QueueOrder lists queued records in the order workers will take them.
func (r *Reporter) QueueOrder() []QueuedEntry {
	if r.queue == nil {
		return nil
	}
	items := r.queue.QueueOrder()
	out := make([]QueuedEntry, 0, len(items))
	for _, item := range items {
		e := QueuedEntry{Position: item.Position, ID: item.ID, Priority: item.Priority}
		if rec, err := r.store.Get(item.ID); err == nil {
			e.Title = rec.Title
		}
		out = append(out, e)
	}
	return out
}

// Active lists records currently held by a worker.
func (r *Reporter) Active() []Entry {
	var ids []string
	if r.queue != nil {
		ids = r.queue.Active()
	} else {
		ids = r.store.InFlightIDs()
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		rec, err := r.store.Get(id)
		if err != nil {
			continue
		}
		out = append(out, r.entry(rec))
	}
	return out
}

func (r *Reporter) entry(rec books.Record) Entry {
	e := Entry{
		ID:        rec.ID,
		Title:     rec.Title,
		Author:    rec.Author,
		Format:    rec.Format,
		Size:      rec.Size,
		Preview:   rec.Preview,
		Progress:  rec.Progress,
		Priority:  rec.Priority,
		UpdatedAt: rec.UpdatedAt,
	}
	switch rec.State {
	case books.StateError:
		e.Attempt = rec.Attempt
		e.Error = rec.LastError
	case books.StateAvailable:
		if rec.ResultPath != "" {
			if _, err := r.stat(rec.ResultPath); os.IsNotExist(err) {
				e.Ingested = true
			}
		}
	}
	return e
}
