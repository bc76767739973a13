package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func mustEnqueue(t *testing.T, s *Store, id string) books.Record {
	t.Helper()
	rec, _, err := s.Enqueue(books.Book{ID: id, Title: "Title " + id}, 0)
	if err != nil {
		t.Fatalf("Enqueue(%s) error = %v", id, err)
	}
	return rec
}

func TestStore_EnqueueIdempotent(t *testing.T) {
	s := New(Config{})

	rec, created, err := s.Enqueue(books.Book{ID: "dup", Title: "First"}, 0)
	if err != nil || !created {
		t.Fatalf("first Enqueue() = created %v, err %v", created, err)
	}

	again, created, err := s.Enqueue(books.Book{ID: "dup", Title: "Second"}, 5)
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if created {
		t.Error("second Enqueue() created = true, want false")
	}
	if again.Title != "First" || again.Priority != rec.Priority {
		t.Errorf("second Enqueue() changed the record: %+v", again)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_EnqueueConcurrentSameID(t *testing.T) {
	s := New(Config{})

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := s.Enqueue(books.Book{ID: "race"}, 0); err == nil && ok {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("records created = %d, want 1", created.Load())
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestStore_EnqueueReplacesTerminal(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "a")
	if _, err := s.Cancel("a"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	rec, created, err := s.Enqueue(books.Book{ID: "a"}, 0)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !created || rec.State != books.StateQueued || rec.Attempt != 0 {
		t.Errorf("Enqueue() after cancel = %+v created=%v, want fresh queued record", rec, created)
	}
}

func TestStore_Capacity(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{MaxRecords: 2, Now: clock.Now})

	mustEnqueue(t, s, "a")
	clock.Advance(time.Second)
	mustEnqueue(t, s, "b")

	_, _, err := s.Enqueue(books.Book{ID: "c"}, 0)
	var capErr *books.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Enqueue() at capacity error = %v, want CapacityError", err)
	}

	// A terminal record makes room.
	if _, err := s.Cancel("a"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if _, created, err := s.Enqueue(books.Book{ID: "c"}, 0); err != nil || !created {
		t.Fatalf("Enqueue() after eviction = created %v, err %v", created, err)
	}
	if _, err := s.Get("a"); !errors.Is(err, books.ErrNotFound) {
		t.Errorf("Get(a) error = %v, want ErrNotFound after eviction", err)
	}
}

func TestStore_AcquireExclusive(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "one")

	var won atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.Acquire("one", nil); ok {
				won.Add(1)
			}
		}()
	}
	wg.Wait()

	if won.Load() != 1 {
		t.Fatalf("Acquire winners = %d, want 1", won.Load())
	}
	if !s.InFlight("one") {
		t.Error("InFlight(one) = false after Acquire")
	}

	s.Release("one")
	if _, ok := s.Acquire("one", nil); !ok {
		t.Error("Acquire() after Release failed")
	}
}

func TestStore_AcquireRequiresQueued(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "a")
	if _, ok := s.Acquire("missing", nil); ok {
		t.Error("Acquire(missing) = true")
	}

	s.Cancel("a")
	if _, ok := s.Acquire("a", nil); ok {
		t.Error("Acquire(cancelled) = true")
	}
}

func TestStore_TransitionCAS(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "a")

	rec, err := s.Transition("a", books.StateQueued, books.StateDownloading, func(r *books.Record) {
		r.Attempt++
	})
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if rec.State != books.StateDownloading || rec.Attempt != 1 {
		t.Errorf("Transition() = %+v", rec)
	}

	_, err = s.Transition("a", books.StateQueued, books.StateDownloading, nil)
	if !errors.Is(err, books.ErrStateConflict) {
		t.Errorf("stale Transition() error = %v, want ErrStateConflict", err)
	}

	_, err = s.Transition("a", books.StateDownloading, books.StateAvailable, nil)
	if !errors.Is(err, books.ErrInvalidTransition) {
		t.Errorf("skipping Transition() error = %v, want ErrInvalidTransition", err)
	}
}

func TestStore_UpdateTerminalRejected(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "a")
	s.Cancel("a")

	_, err := s.Update("a", func(r *books.Record) { r.Priority = 9 })
	if !errors.Is(err, books.ErrStateConflict) {
		t.Errorf("Update(terminal) error = %v, want ErrStateConflict", err)
	}
}

func TestStore_UpdateCannotChangeState(t *testing.T) {
	s := New(Config{})
	mustEnqueue(t, s, "a")

	rec, err := s.Update("a", func(r *books.Record) {
		r.Priority = 7
		r.State = books.StateAvailable
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if rec.State != books.StateQueued || rec.Priority != 7 {
		t.Errorf("Update() = %+v, want queued with priority 7", rec)
	}
}

func TestStore_Cancel(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		rec, err := s.Cancel("a")
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if rec.State != books.StateCancelled {
			t.Errorf("State = %s, want cancelled", rec.State)
		}
	})

	t.Run("held", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		var called atomic.Bool
		if _, ok := s.Acquire("a", func() { called.Store(true) }); !ok {
			t.Fatal("Acquire() failed")
		}
		s.Transition("a", books.StateQueued, books.StateDownloading, nil)

		rec, err := s.Cancel("a")
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if rec.State != books.StateDownloading || !rec.CancelRequested {
			t.Errorf("Cancel(held) = %+v, want flagged downloading record", rec)
		}
		if !called.Load() {
			t.Error("attempt cancel func not invoked")
		}
	})

	t.Run("held queued is finished on release", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		s.Acquire("a", nil)
		s.Transition("a", books.StateQueued, books.StateDownloading, nil)
		s.Transition("a", books.StateDownloading, books.StateQueued, func(r *books.Record) { r.Attempt = 1 })

		rec, _ := s.Cancel("a")
		if rec.State != books.StateQueued || !rec.CancelRequested {
			t.Fatalf("Cancel(held) = %+v, want flagged queued record", rec)
		}

		got, cancelled := s.Release("a")
		if !cancelled || got.State != books.StateCancelled || got.CancelRequested {
			t.Errorf("Release() = %+v, %v; want cancelled record", got, cancelled)
		}
		if rec, _ := s.Get("a"); rec.State != books.StateCancelled {
			t.Errorf("State = %s, want cancelled", rec.State)
		}
	})

	t.Run("flagged queued is cancelled on acquire", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		s.mu.Lock()
		s.records["a"].CancelRequested = true
		s.mu.Unlock()

		if _, ok := s.Acquire("a", nil); ok {
			t.Fatal("Acquire() of a flagged record succeeded")
		}
		if rec, _ := s.Get("a"); rec.State != books.StateCancelled || rec.CancelRequested {
			t.Errorf("record = %+v, want cancelled", rec)
		}
		if s.InFlight("a") {
			t.Error("flagged record left in flight")
		}
	})

	t.Run("release without pending cancel", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		s.Acquire("a", nil)
		if got, cancelled := s.Release("a"); cancelled || got.State != books.StateQueued {
			t.Errorf("Release() = %+v, %v; want untouched queued record", got, cancelled)
		}
	})

	t.Run("terminal is no-op", func(t *testing.T) {
		s := New(Config{})
		mustEnqueue(t, s, "a")
		s.Acquire("a", nil)
		s.Transition("a", books.StateQueued, books.StateDownloading, nil)
		s.Transition("a", books.StateDownloading, books.StateConverting, nil)
		s.Transition("a", books.StateConverting, books.StateAvailable, nil)
		s.Release("a")

		rec, err := s.Cancel("a")
		if err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if rec.State != books.StateAvailable {
			t.Errorf("State = %s, want available", rec.State)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s := New(Config{})
		if _, err := s.Cancel("nope"); !errors.Is(err, books.ErrNotFound) {
			t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestStore_ExpireTerminal(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Now: clock.Now})

	mustEnqueue(t, s, "old")
	s.Cancel("old")
	clock.Advance(2 * time.Hour)
	mustEnqueue(t, s, "new")
	s.Cancel("new")
	mustEnqueue(t, s, "pending")

	removed := s.ExpireTerminal(time.Hour)
	if len(removed) != 1 || removed[0] != "old" {
		t.Errorf("ExpireTerminal() = %v, want [old]", removed)
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStore_ClearTerminalKeepsActive(t *testing.T) {
	s := New(Config{})
	for i := 0; i < 3; i++ {
		mustEnqueue(t, s, fmt.Sprintf("done-%d", i))
		s.Cancel(fmt.Sprintf("done-%d", i))
	}
	mustEnqueue(t, s, "queued")

	if removed := s.ClearTerminal(); len(removed) != 3 {
		t.Errorf("ClearTerminal() removed %d, want 3", len(removed))
	}
	if _, err := s.Get("queued"); err != nil {
		t.Errorf("Get(queued) error = %v", err)
	}
}

func TestStore_RequeueAbandoned(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Now: clock.Now})

	mustEnqueue(t, s, "stuck")
	s.Acquire("stuck", nil)
	s.Transition("stuck", books.StateQueued, books.StateDownloading, nil)
	s.Release("stuck") // simulated worker crash

	mustEnqueue(t, s, "busy")
	s.Acquire("busy", nil)
	s.Transition("busy", books.StateQueued, books.StateDownloading, nil)

	if got := s.RequeueAbandoned(10 * time.Minute); len(got) != 0 {
		t.Errorf("RequeueAbandoned() before threshold = %d records, want 0", len(got))
	}

	clock.Advance(11 * time.Minute)
	got := s.RequeueAbandoned(10 * time.Minute)
	if len(got) != 1 || got[0].ID != "stuck" {
		t.Fatalf("RequeueAbandoned() = %+v, want [stuck]", got)
	}
	if got[0].State != books.StateQueued {
		t.Errorf("State = %s, want queued", got[0].State)
	}

	busy, _ := s.Get("busy")
	if busy.State != books.StateDownloading {
		t.Errorf("held record state = %s, want downloading", busy.State)
	}
}

func TestStore_QueuedOrder(t *testing.T) {
	clock := newFakeClock()
	s := New(Config{Now: clock.Now})

	s.Enqueue(books.Book{ID: "first"}, 0)
	clock.Advance(time.Second)
	s.Enqueue(books.Book{ID: "second"}, 0)
	clock.Advance(time.Second)
	s.Enqueue(books.Book{ID: "urgent"}, 10)

	got := s.Queued()
	want := []string{"urgent", "first", "second"}
	if len(got) != len(want) {
		t.Fatalf("Queued() len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Errorf("Queued()[%d] = %s, want %s", i, got[i].ID, want[i])
		}
	}
}
