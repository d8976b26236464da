package loop

import (
	"context"
	"sync"
)

// Pending is the eventual result of an asynchronous operation.
// The first call to Finish wins; later calls are ignored.
type Pending[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// NewPending creates an unfinished operation.
func NewPending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{})}
}

// Finished returns an operation that has already completed with v and err.
func Finished[T any](v T, err error) *Pending[T] {
	p := NewPending[T]()
	p.Finish(v, err)
	return p
}

// Finish records the result and wakes every waiter.
// Returns false if the operation had already finished.
func (p *Pending[T]) Finish(v T, err error) bool {
	finished := false
	p.once.Do(func() {
		p.value = v
		p.err = err
		close(p.done)
		finished = true
	})
	return finished
}

// Done is closed when the operation has finished.
func (p *Pending[T]) Done() <-chan struct{} {
	return p.done
}

// IsFinished reports whether Finish has been called.
func (p *Pending[T]) IsFinished() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the operation finishes or ctx is done.
func (p *Pending[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false until finished.
func (p *Pending[T]) Result() (v T, err error, ok bool) {
	if !p.IsFinished() {
		return v, nil, false
	}
	return p.value, p.err, true
}

// Err returns the error of a finished operation, or nil while still running.
func (p *Pending[T]) Err() error {
	_, err, _ := p.Result()
	return err
}

// Then posts fn onto l once the operation finishes.
func (p *Pending[T]) Then(l *Loop, fn func(T, error)) {
	go func() {
		<-p.done
		l.Post(func() { fn(p.value, p.err) })
	}()
}
