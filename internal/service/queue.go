package service

import (
	"sync"

	"github.com/veranemoloko/media-downloader/internal/domain"
)

// eventQueue delivers events to one lifecycle subscriber without ever
// dropping them and without blocking the publisher. Pending events are kept
// in an unbounded slice and forwarded by a dedicated goroutine.
type eventQueue struct {
	mu      sync.Mutex
	pending []domain.Event
	closed  bool

	signal  chan struct{}
	stopped chan struct{}
	stop    sync.Once
	out     chan domain.Event
}

func newEventQueue() *eventQueue {
	q := &eventQueue{
		signal:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		out:     make(chan domain.Event),
	}
	go q.forward()
	return q
}

func (q *eventQueue) push(ev domain.Event) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	q.wake()
}

// close delivers what is pending and then closes the output channel.
func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// abandon closes the output channel without delivering pending events.
func (q *eventQueue) abandon() {
	q.stop.Do(func() { close(q.stopped) })
}

func (q *eventQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) forward() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
				continue
			case <-q.stopped:
				return
			}
		}
		ev := q.pending[0]
		q.pending[0] = domain.Event{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		select {
		case q.out <- ev:
		case <-q.stopped:
			return
		}
	}
}
