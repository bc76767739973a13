package jobs

import (
	"container/heap"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/bookdrop/internal/books"
)

// ErrEmptyID is returned when attempting to push an empty id.
var ErrEmptyID = errors.New("cannot push empty id")

// Priority levels for download requests.
// Higher values are processed first.
const (
	PriorityLow    = -10
	PriorityNormal = 0
	PriorityHigh   = 10
)

// DefaultQueueSize bounds the queue when no capacity is configured.
const DefaultQueueSize = 1000

// QueueItem is a queued id with its priority.
type QueueItem struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Position int    `json:"position"`
}

// Queue is a thread-safe priority queue of book ids.
// Ids with higher priority are dequeued first; equal priorities are FIFO.
// An id is present at most once.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	index    map[string]*queueItem
	seq      uint64        // Sequence number for FIFO ordering within same priority
	notify   chan struct{} // Signaled when items are pushed
	capacity int
}

// NewQueue creates a queue holding at most capacity ids.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	q := &Queue{
		items:    make(itemHeap, 0),
		index:    make(map[string]*queueItem),
		notify:   make(chan struct{}, 1),
		capacity: capacity,
	}
	heap.Init(&q.items)
	return q
}

// Push appends id at the back of its priority class. Pushing an id that is
// already queued is a no-op.
func (q *Queue) Push(id string, priority int) error {
	if id == "" {
		return ErrEmptyID
	}

	q.mu.Lock()
	if _, ok := q.index[id]; ok {
		q.mu.Unlock()
		return nil
	}
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return &books.CapacityError{Resource: "download queue", Limit: q.capacity}
	}
	q.seq++
	item := &queueItem{id: id, priority: priority, seq: q.seq}
	heap.Push(&q.items, item)
	q.index[id] = item
	q.mu.Unlock()

	q.signal()
	return nil
}

// Pop removes and returns the next id. It blocks until an item is available
// or done is closed, waking at least every poll interval.
// Returns false if done is closed while waiting.
func (q *Queue) Pop(done <-chan struct{}, poll time.Duration) (string, bool) {
	if poll <= 0 {
		poll = time.Second
	}
	timer := time.NewTimer(poll)
	defer timer.Stop()

	for {
		if id, ok := q.TryPop(); ok {
			return id, true
		}

		select {
		case <-done:
			return "", false
		case <-q.notify:
		case <-timer.C:
			timer.Reset(poll)
		}
	}
}

// TryPop attempts to pop without blocking.
func (q *Queue) TryPop() (string, bool) {
	q.mu.Lock()
	if q.items.Len() == 0 {
		q.mu.Unlock()
		return "", false
	}
	item := heap.Pop(&q.items).(*queueItem)
	delete(q.index, item.id)
	remaining := q.items.Len()
	q.mu.Unlock()

	// Wake another consumer if work remains.
	if remaining > 0 {
		q.signal()
	}
	return item.id, true
}

// Remove drops id from the queue. Returns false if it was not queued.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[id]
	if !ok {
		return false
	}
	heap.Remove(&q.items, item.index)
	delete(q.index, id)
	return true
}

// SetPriority changes the priority of a queued id. The id keeps its arrival
// sequence, so it stays FIFO relative to its new priority class.
func (q *Queue) SetPriority(id string, priority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.index[id]
	if !ok {
		return false
	}
	item.priority = priority
	heap.Fix(&q.items, item.index)
	return true
}

// Contains reports whether id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.index[id]
	return ok
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Order returns the queued ids in dequeue order.
func (q *Queue) Order() []QueueItem {
	q.mu.Lock()
	snapshot := make([]queueItem, len(q.items))
	for i, item := range q.items {
		snapshot[i] = *item
	}
	q.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].before(&snapshot[j])
	})

	out := make([]QueueItem, len(snapshot))
	for i, item := range snapshot {
		out[i] = QueueItem{ID: item.id, Priority: item.priority, Position: i + 1}
	}
	return out
}

// Stats returns queue statistics by priority level.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := QueueStats{
		Total:    q.items.Len(),
		Capacity: q.capacity,
	}
	for _, item := range q.items {
		switch {
		case item.priority >= PriorityHigh:
			stats.High++
		case item.priority >= PriorityNormal:
			stats.Normal++
		default:
			stats.Low++
		}
	}
	return stats
}

// QueueStats reports queue depth by priority level.
type QueueStats struct {
	Total    int `json:"total"`
	Capacity int `json:"capacity"`
	High     int `json:"high"`
	Normal   int `json:"normal"`
	Low      int `json:"low"`
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
		// Channel already has a pending notification
	}
}

type queueItem struct {
	id       string
	priority int
	seq      uint64 // For FIFO ordering within same priority
	index    int    // Position in the heap, maintained by Swap
}

func (a *queueItem) before(b *queueItem) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}

// itemHeap implements heap.Interface.
// Higher priority items come first. Equal priorities use FIFO (lower seq first).
type itemHeap []*queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // Avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}
