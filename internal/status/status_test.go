package status

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jackzampolin/bookdrop/internal/books"
	"github.com/jackzampolin/bookdrop/internal/jobs"
	"github.com/jackzampolin/bookdrop/internal/store"
)

type fakeQueue struct {
	order  []jobs.QueueItem
	active []string
}

func (q fakeQueue) QueueOrder() []jobs.QueueItem { return q.order }
func (q fakeQueue) Active() []string             { return q.active }

func seed(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(store.Config{})

	s.Enqueue(books.Book{ID: "q", Title: "Queued"}, 0)

	s.Enqueue(books.Book{ID: "d", Title: "Downloading"}, 0)
	s.Acquire("d", nil)
	s.Transition("d", books.StateQueued, books.StateDownloading, func(r *books.Record) { r.Attempt = 1 })
	s.SetProgress("d", 42)

	s.Enqueue(books.Book{ID: "e", Title: "Broken"}, 0)
	s.Acquire("e", nil)
	s.Transition("e", books.StateQueued, books.StateDownloading, func(r *books.Record) { r.Attempt = 2 })
	s.Transition("e", books.StateDownloading, books.StateError, func(r *books.Record) { r.LastError = "download timed out" })
	s.Release("e")
	return s
}

func TestReporter_Snapshot(t *testing.T) {
	r := NewReporter(seed(t), nil)
	snap := r.Snapshot()

	for _, st := range books.States {
		if _, ok := snap[st]; !ok {
			t.Errorf("snapshot missing state %s", st)
		}
	}

	q, ok := snap[books.StateQueued]["q"]
	if !ok || q.Title != "Queued" {
		t.Errorf("queued entry = %+v", q)
	}
	if q.Attempt != 0 || q.Error != "" {
		t.Error("attempt/error exposed for a non-error record")
	}

	if d := snap[books.StateDownloading]["d"]; d.Progress != 42 {
		t.Errorf("downloading progress = %v, want 42", d.Progress)
	}

	e := snap[books.StateError]["e"]
	if e.Attempt != 2 || e.Error != "download timed out" {
		t.Errorf("error entry = %+v", e)
	}
}

func TestReporter_AvailableIngested(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "present.epub")
	os.WriteFile(present, []byte("x"), 0o644)

	s := store.New(store.Config{})
	for id, path := range map[string]string{"present": present, "taken": filepath.Join(dir, "taken.epub")} {
		s.Enqueue(books.Book{ID: id}, 0)
		s.Acquire(id, nil)
		s.Transition(id, books.StateQueued, books.StateDownloading, nil)
		s.Transition(id, books.StateDownloading, books.StateConverting, nil)
		s.Transition(id, books.StateConverting, books.StateAvailable, func(r *books.Record) { r.ResultPath = path })
		s.Release(id)
	}

	snap := NewReporter(s, nil).Snapshot()
	if snap[books.StateAvailable]["present"].Ingested {
		t.Error("present file reported as ingested")
	}
	if !snap[books.StateAvailable]["taken"].Ingested {
		t.Error("missing file not reported as ingested")
	}
}

func TestReporter_QueueViews(t *testing.T) {
	s := seed(t)
	r := NewReporter(s, fakeQueue{
		order:  []jobs.QueueItem{{ID: "q", Priority: 5, Position: 1}},
		active: []string{"d", "gone"},
	})

	order := r.QueueOrder()
	if len(order) != 1 || order[0].Title != "Queued" || order[0].Position != 1 {
		t.Errorf("QueueOrder() = %+v", order)
	}

	active := r.Active()
	if len(active) != 1 || active[0].ID != "d" {
		t.Errorf("Active() = %+v, want only d", active)
	}

	counts := r.Counts()
	if counts[books.StateQueued] != 1 || counts[books.StateDownloading] != 1 || counts[books.StateError] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}
