package jobs

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// mustPush is a test helper that fails the test if Push fails
func mustPush(t *testing.T, q *Queue, id string, priority int) {
	t.Helper()
	if err := q.Push(id, priority); err != nil {
		t.Fatalf("Push(%s) failed: %v", id, err)
	}
}

func popAll(q *Queue) []string {
	var ids []string
	for {
		id, ok := q.TryPop()
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := NewQueue(0)

	mustPush(t, q, "low", PriorityLow)
	mustPush(t, q, "normal", PriorityNormal)
	mustPush(t, q, "high", PriorityHigh)

	got := popAll(q)
	want := []string{"high", "normal", "low"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(0)

	mustPush(t, q, "first", PriorityNormal)
	mustPush(t, q, "second", PriorityNormal)
	mustPush(t, q, "third", PriorityNormal)

	got := popAll(q)
	want := []string{"first", "second", "third"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("pop order = %v, want %v", got, want)
	}
}

func TestQueue_RepushGoesToBack(t *testing.T) {
	q := NewQueue(0)

	mustPush(t, q, "a", PriorityNormal)
	mustPush(t, q, "b", PriorityNormal)
	id, _ := q.TryPop()
	mustPush(t, q, id, PriorityNormal) // "a" retried

	got := popAll(q)
	if fmt.Sprint(got) != "[b a]" {
		t.Errorf("pop order = %v, want [b a]", got)
	}
}

func TestQueue_DuplicatePushIsNoop(t *testing.T) {
	q := NewQueue(0)

	mustPush(t, q, "dup", PriorityNormal)
	mustPush(t, q, "dup", PriorityHigh)

	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	if order := q.Order(); order[0].Priority != PriorityNormal {
		t.Errorf("priority = %d, duplicate push should not change it", order[0].Priority)
	}
}

func TestQueue_Capacity(t *testing.T) {
	q := NewQueue(2)

	mustPush(t, q, "a", PriorityNormal)
	mustPush(t, q, "b", PriorityNormal)

	err := q.Push("c", PriorityNormal)
	var capErr *books.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Push() over capacity error = %v, want CapacityError", err)
	}
	if capErr.Limit != 2 {
		t.Errorf("Limit = %d, want 2", capErr.Limit)
	}

	// Re-pushing a queued id never counts against capacity.
	if err := q.Push("a", PriorityNormal); err != nil {
		t.Errorf("Push(existing) error = %v", err)
	}
}

func TestQueue_PushEmptyID(t *testing.T) {
	q := NewQueue(0)

	if err := q.Push("", PriorityNormal); err != ErrEmptyID {
		t.Errorf("Push(\"\") error = %v, want ErrEmptyID", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}

func TestQueue_RemoveAndSetPriority(t *testing.T) {
	q := NewQueue(0)

	mustPush(t, q, "a", PriorityNormal)
	mustPush(t, q, "b", PriorityNormal)
	mustPush(t, q, "c", PriorityNormal)

	if !q.Remove("b") {
		t.Error("Remove(b) = false, want true")
	}
	if q.Remove("b") {
		t.Error("second Remove(b) = true, want false")
	}
	if !q.SetPriority("c", PriorityHigh) {
		t.Error("SetPriority(c) = false, want true")
	}
	if q.SetPriority("missing", PriorityHigh) {
		t.Error("SetPriority(missing) = true, want false")
	}

	order := q.Order()
	if len(order) != 2 || order[0].ID != "c" || order[0].Position != 1 || order[1].ID != "a" {
		t.Errorf("Order() = %+v", order)
	}
	if q.Contains("b") {
		t.Error("Contains(b) = true after Remove")
	}
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue(10)

	mustPush(t, q, "1", PriorityLow)
	mustPush(t, q, "2", PriorityLow)
	mustPush(t, q, "3", PriorityNormal)
	mustPush(t, q, "4", PriorityNormal)
	mustPush(t, q, "5", 3)
	mustPush(t, q, "6", PriorityHigh)

	stats := q.Stats()
	if stats.Total != 6 || stats.Capacity != 10 {
		t.Errorf("Total/Capacity = %d/%d, want 6/10", stats.Total, stats.Capacity)
	}
	if stats.High != 1 || stats.Normal != 3 || stats.Low != 2 {
		t.Errorf("High/Normal/Low = %d/%d/%d, want 1/3/2", stats.High, stats.Normal, stats.Low)
	}
}

func TestQueue_BlockingPop(t *testing.T) {
	q := NewQueue(0)
	done := make(chan struct{})
	defer close(done)

	result := make(chan string, 1)
	go func() {
		id, _ := q.Pop(done, time.Minute)
		result <- id
	}()

	// Give the goroutine time to start waiting
	time.Sleep(10 * time.Millisecond)
	mustPush(t, q, "test", PriorityNormal)

	select {
	case id := <-result:
		if id != "test" {
			t.Errorf("Pop() = %q, want test", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() did not wake on push")
	}
}

func TestQueue_PopCancellation(t *testing.T) {
	q := NewQueue(0)
	done := make(chan struct{})

	result := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(done, time.Minute)
		result <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	close(done)

	select {
	case ok := <-result:
		if ok {
			t.Error("Pop() ok = true after done closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Pop() did not return after done closed")
	}
}

func TestQueue_MultipleConcurrentConsumers(t *testing.T) {
	q := NewQueue(0)
	done := make(chan struct{})

	const numConsumers = 10
	const numItems = 5

	results := make(chan string, numConsumers)
	var wg sync.WaitGroup

	// Start consumers before any items exist
	for i := 0; i < numConsumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, ok := q.Pop(done, 5*time.Millisecond)
			if ok {
				results <- id
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < numItems; i++ {
		mustPush(t, q, fmt.Sprintf("item_%d", i), PriorityNormal)
	}

	// Give items time to be consumed
	time.Sleep(100 * time.Millisecond)
	close(done)
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for id := range results {
		if seen[id] {
			t.Errorf("%s consumed twice", id)
		}
		seen[id] = true
	}
	if len(seen) != numItems {
		t.Errorf("consumed %d items, want %d", len(seen), numItems)
	}
}

func TestQueue_ConcurrentAccess(t *testing.T) {
	q := NewQueue(10000)

	const numProducers = 5
	const itemsPerProducer = 100

	var wg sync.WaitGroup
	for i := 0; i < numProducers; i++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for j := 0; j < itemsPerProducer; j++ {
				priority := PriorityNormal
				if j%10 == 0 {
					priority = PriorityHigh
				}
				if err := q.Push(fmt.Sprintf("%d-%d", p, j), priority); err != nil {
					t.Errorf("Push failed: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	expected := numProducers * itemsPerProducer
	if q.Len() != expected {
		t.Fatalf("Len() = %d, want %d", q.Len(), expected)
	}

	got := popAll(q)
	if len(got) != expected {
		t.Fatalf("popped %d items, want %d", len(got), expected)
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d after draining, want 0", q.Len())
	}
}
