package tunnel

import (
	"sync"

	"github.com/smnsjas/go-meshctrl/transport"
)

// requestQueue is the FIFO of file requests waiting for the worker.
type requestQueue struct {
	mu     sync.Mutex
	items  []*fileRequest
	closed bool
	ready  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{ready: make(chan struct{}, 1)}
}

// push appends r. It reports false once the queue is closed.
func (q *requestQueue) push(r *fileRequest) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	notify(q.ready)
	return true
}

// pop removes the oldest request, if any.
func (q *requestQueue) pop() (*fileRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	r := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return r, true
}

// close rejects further pushes and returns what was still queued.
func (q *requestQueue) close() []*fileRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// frameQueue buffers frames for the current request without ever blocking
// the receive loop.
type frameQueue struct {
	mu     sync.Mutex
	frames []transport.Frame
	ready  chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{ready: make(chan struct{}, 1)}
}

func (q *frameQueue) push(f transport.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, f)
	q.mu.Unlock()
	notify(q.ready)
}

func (q *frameQueue) drain() []transport.Frame {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frames
	q.frames = nil
	return out
}

// reset drops buffered frames and any pending wakeup.
func (q *frameQueue) reset() {
	q.drain()
	select {
	case <-q.ready:
	default:
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
