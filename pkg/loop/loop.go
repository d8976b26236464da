// Package loop provides the single-threaded event loop that owns all proxy
// state. Collaborator calls run on their own goroutines and post their
// completions back onto the loop, so engine state is only ever mutated from
// one goroutine at a time.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when work is posted to a loop that has been closed.
var ErrClosed = errors.New("event loop closed")

// Loop runs posted functions one at a time, in the order they were posted.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	signal chan struct{} // buffered, size 1
	done   chan struct{}
}

// New creates a loop and starts its goroutine.
func New() *Loop {
	l := &Loop{
		tasks:  make([]func(), 0, 32),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// Post schedules fn to run on the loop goroutine.
// It may be called from any goroutine, including the loop itself.
// Returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)

	select {
	case l.signal <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the loop and waits for it to return.
// It must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		// The task may still have run before shutdown.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Close stops accepting work. Tasks already posted still run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Done is closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		task, ok, closed := l.next()
		if ok {
			task()
			continue
		}
		if closed {
			return
		}
		<-l.signal
	}
}

// next pops the front task. closed reports a closed, drained loop.
func (l *Loop) next() (task func(), ok bool, closed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) == 0 {
		l.tasks = l.tasks[:0]
		return nil, false, l.closed
	}

	task = l.tasks[0]
	l.tasks[0] = nil
	l.tasks = l.tasks[1:]
	return task, true, false
}

// Go runs fn on a new goroutine and posts then(result, err) back onto the
// loop once fn returns. If the loop has been closed by then, then is dropped.
func Go[T any](l *Loop, ctx context.Context, fn func(context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := fn(ctx)
		l.Post(func() { then(v, err) })
	}()
}
