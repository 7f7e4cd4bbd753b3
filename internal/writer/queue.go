package writer

import (
	"context"
	"sync"

	"github.com/lprior-repo/isolate/internal/coord"
)

// request is one submitted command waiting for the reactor.
type request struct {
	ctx  context.Context
	key  string
	cmd  coord.Command
	resp chan response
}

// response carries the terminal outcome back to the submitter.
type response struct {
	outcome coord.Outcome
	err     error
}

// requestQueue is a thread-safe FIFO of pending commands.
//
// The queue is unbounded so a burst of submitters (the scheduler mid-pass
// plus CLI invocations) never blocks on enqueue. Arrival order at this
// queue is the ledger order; the reactor never reorders.
//
// A buffered signal channel of size 1 coalesces wakeups and lets the Run
// loop wait with context awareness.
type requestQueue struct {
	mu       sync.Mutex
	requests []request
	closed   bool
	signal   chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		requests: make([]request, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

// Enqueue adds a request to the back of the queue.
// Returns false if the queue is closed.
func (q *requestQueue) Enqueue(r request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.requests = append(q.requests, r)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *requestQueue) TryDequeue() (request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.requests) == 0 {
		return request{}, false
	}

	r := q.requests[0]

	// Nil the slot so the backing array doesn't retain the request's
	// context and channel after dequeue.
	q.requests[0] = request{}

	if len(q.requests) == 1 {
		q.requests = q.requests[:0]
	} else {
		q.requests = q.requests[1:]
	}

	return r, true
}

// Wait returns the signal channel for context-aware waiting.
func (q *requestQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of pending requests.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Close rejects further enqueues and wakes all waiters.
// Pending requests are still drained by the Run loop.
func (q *requestQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// drain empties the queue, returning the abandoned requests.
func (q *requestQueue) drain() []request {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.requests
	q.requests = nil
	return pending
}
