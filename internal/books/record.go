// Package books defines the download lifecycle record, its state machine and
// the error taxonomy shared by the source, fetch and post-processing stages.
package books

import "time"

// State is the lifecycle state of a download request.
type State string

const (
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateConverting  State = "converting"
	StateAvailable   State = "available"
	StateError       State = "error"
	StateCancelled   State = "cancelled"
)

// States lists every state in display order.
var States = []State{
	StateQueued,
	StateDownloading,
	StateConverting,
	StateAvailable,
	StateError,
	StateCancelled,
}

// transitions is the allowed edge set of the state machine.
var transitions = map[State][]State{
	StateQueued:      {StateDownloading, StateCancelled},
	StateDownloading: {StateConverting, StateQueued, StateError, StateCancelled},
	StateConverting:  {StateAvailable, StateQueued, StateError, StateCancelled},
}

// Terminal reports whether no further automatic transitions leave s.
func (s State) Terminal() bool {
	return s == StateAvailable || s == StateError || s == StateCancelled
}

// Active reports whether a worker may be holding a record in state s.
func (s State) Active() bool {
	return s == StateDownloading || s == StateConverting
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Book is the descriptive metadata of a catalog entry.
type Book struct {
	ID        string `json:"id"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	Publisher string `json:"publisher,omitempty"`
	Year      string `json:"year,omitempty"`
	Language  string `json:"language,omitempty"`
	Format    string `json:"format,omitempty"`
	Size      string `json:"size,omitempty"`
	Preview   string `json:"preview,omitempty"`
}

// Merge fills empty fields of b from other. The ID is never changed.
func (b Book) Merge(other Book) Book {
	fill := func(dst *string, src string) {
		if *dst == "" {
			*dst = src
		}
	}
	fill(&b.Title, other.Title)
	fill(&b.Author, other.Author)
	fill(&b.Publisher, other.Publisher)
	fill(&b.Year, other.Year)
	fill(&b.Language, other.Language)
	fill(&b.Format, other.Format)
	fill(&b.Size, other.Size)
	fill(&b.Preview, other.Preview)
	return b
}

// Info is extended metadata for a single book, looked up independently of
// any download record.
type Info struct {
	Book
	Details map[string][]string `json:"info,omitempty"`
}

// Record tracks a single download request through its lifecycle.
type Record struct {
	Book

	State      State     `json:"state"`
	Priority   int       `json:"priority"`
	Attempt    int       `json:"attempt"`
	LastError  string    `json:"last_error,omitempty"`
	ResultPath string    `json:"result_path,omitempty"`
	Progress   float64   `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`

	// CancelRequested is set when a user cancels a record a worker holds.
	CancelRequested bool `json:"cancel_requested,omitempty"`
}

// NewRecord creates a queued record for book.
func NewRecord(book Book, priority int, now time.Time) *Record {
	return &Record{
		Book:      book,
		State:     StateQueued,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to hand out of the store.
func (r *Record) Clone() Record {
	return *r
}
