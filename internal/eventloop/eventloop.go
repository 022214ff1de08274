// Package eventloop provides the single control goroutine on which a
// supervisor serializes its state transitions and message dispatch.
// Posted callbacks run later, in FIFO order, on one goroutine.
package eventloop

import (
	"sync"

	"go.uber.org/zap"
)

// Loop is a run-later primitive backed by one goroutine and an
// unbounded FIFO queue. Post never blocks, so callbacks may be posted
// from the loop goroutine itself (including from a callback that is
// currently blocking the loop).
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	done chan struct{}

	log *zap.Logger
}

func New(log *zap.Logger) *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log.Named("eventloop"),
	}
}

// Run processes posted callbacks until Stop is called. It is intended
// to be run on a dedicated goroutine.
func (l *Loop) Run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		tasks := l.queue
		l.queue = nil
		closed := l.closed
		l.mu.Unlock()

		for _, task := range tasks {
			task()
		}

		if closed {
			// drain anything posted by the final batch
			l.mu.Lock()
			tasks, l.queue = l.queue, nil
			l.mu.Unlock()

			for _, task := range tasks {
				task()
			}
			return
		}

		<-l.wake
	}
}

// Post schedules fn to run on the loop goroutine. Callbacks run in the
// order they were posted. Posting after Stop drops the callback.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.log.Debug("dropping callback posted after stop")
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Stop makes Run return once the pending callbacks have run, and waits
// for it to do so. Must not be called from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	alreadyClosed := l.closed
	l.closed = true
	l.mu.Unlock()

	if !alreadyClosed {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	}

	<-l.done
}
