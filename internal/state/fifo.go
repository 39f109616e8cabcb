// ABOUTME: Unbounded FIFO queue feeding a subscriber channel in order
// ABOUTME: Producers never block; a pump goroutine drains into the channel

package state

import (
	"context"
	"sync"
)

// fifo is an unbounded queue of transitions drained into out by a single
// pump goroutine. Push never blocks, so it is safe to call under the store
// lock while still preserving order.
type fifo struct {
	mu     sync.Mutex
	items  []Transition
	signal chan struct{}
	out    chan Transition
	closed bool
}

func newFIFO() *fifo {
	return &fifo{
		signal: make(chan struct{}, 1),
		out:    make(chan Transition),
	}
}

func (q *fifo) push(t Transition) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pump delivers queued items until ctx is done, then closes out.
func (q *fifo) pump(ctx context.Context) {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				q.close()
				return
			}
		}
		next := q.items[0]
		q.items[0] = Transition{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-ctx.Done():
			q.close()
			return
		}
	}
}

func (q *fifo) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
