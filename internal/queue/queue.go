package queue

import (
	"errors"
	"sync"
)

// DefaultCapacity is the number of pending requests held when no capacity
// is configured.
const DefaultCapacity = 20

// ErrFull is returned by Enqueue when every pending slot is taken.
var ErrFull = errors.New("queue is full")

// Request is one media item. It is never mutated after creation.
type Request struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Requester string `json:"requester"`
}

// Snapshot is a point-in-time copy of the queue.
type Snapshot struct {
	Current *Request  `json:"current"`
	Pending []Request `json:"pending"`
}

// Queue is a bounded FIFO of pending requests plus a "now playing" slot.
//
// items[0:rear] holds pending requests in insertion order and
// items[rear:] is always zeroed. current is disjoint from the pending
// slots. One mutex guards all of it.
type Queue struct {
	mu      sync.Mutex
	items   []Request
	rear    int
	current *Request
}

// New creates a queue holding at most capacity pending requests.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Queue{items: make([]Request, capacity)}
}

// Enqueue appends req behind every pending request and returns its
// 1-based position. A full queue is left untouched.
func (q *Queue) Enqueue(req Request) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rear == len(q.items) {
		return 0, ErrFull
	}
	q.items[q.rear] = req
	q.rear++
	return q.rear, nil
}

// Dequeue promotes the oldest pending request to current. When nothing is
// pending the current slot is cleared instead, so repeated calls on a
// drained queue are no-ops.
func (q *Queue) Dequeue() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rear == 0 {
		q.current = nil
		return
	}

	next := q.items[0]
	q.current = &next
	copy(q.items, q.items[1:q.rear])
	q.rear--
	q.items[q.rear] = Request{}
}

// ClearCurrent drops the now-playing request without touching pending ones.
func (q *Queue) ClearCurrent() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.current = nil
}

// Current returns a copy of the now-playing request.
func (q *Queue) Current() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return Request{}, false
	}
	return *q.current, true
}

// Len returns the number of pending requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.rear
}

// Capacity returns the maximum number of pending requests.
func (q *Queue) Capacity() int {
	return len(q.items)
}

// Snapshot copies the current and pending requests.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{Pending: make([]Request, q.rear)}
	copy(snap.Pending, q.items[:q.rear])
	if q.current != nil {
		cur := *q.current
		snap.Current = &cur
	}
	return snap
}
