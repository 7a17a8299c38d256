// Package callback bridges asynchronous replies into blocking calls.
package callback

import (
	"context"
	"sync"
	"time"

	"github.com/guseggert/guestctl/protocol"
)

// Future is a one-shot completion box. It completes exactly once, by Resolve, Fail or Cancel.
// Every Await after completion observes the same outcome.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	val T
	err error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) complete(v T, err error) bool {
	completed := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		close(f.done)
		completed = true
	})
	return completed
}

// Resolve completes the future with v. It returns false if the future was already complete.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Fail completes the future with err.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Cancel completes the future with protocol.ErrCancelled.
func (f *Future[T]) Cancel() bool {
	return f.Fail(protocol.ErrCancelled)
}

func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Await blocks until the future completes, the timeout elapses or ctx is done.
// A timeout <= 0 waits on ctx alone. An elapsed timeout leaves the future incomplete.
func (f *Future[T]) Await(ctx context.Context, timeout time.Duration) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case <-f.done:
		return f.val, f.err
	case <-timer:
		var zero T
		return zero, protocol.ErrTimeout
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
