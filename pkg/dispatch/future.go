package dispatch

import (
	"context"
	"errors"
	"sync/atomic"

	"miren.dev/dispatch/pkg/cond"
)

var ErrNotResolved = errors.New("future not resolved")

// Future is the completion handle of a dispatched call. It is resolved
// exactly once, with either a response or a failure.
type Future[T any] struct {
	done     chan struct{}
	resolved atomic.Bool

	// written once before done is closed, read only after.
	result *T
	err    error

	cancel func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{
		done: make(chan struct{}),
	}
}

// resolve stores the outcome unless one was already stored. It reports
// whether this call won.
func (f *Future[T]) resolve(result *T, err error) bool {
	if !f.resolved.CompareAndSwap(false, true) {
		return false
	}

	f.result = result
	f.err = err
	close(f.done)

	return true
}

func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrNotResolved.
func (f *Future[T]) Result() (*T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
		return nil, ErrNotResolved
	}
}

// Wait blocks until the future resolves or ctx ends. If ctx ends first the
// call is cancelled and a cancellation failure is returned, unless the call
// resolved with its own outcome in the meantime.
func (f *Future[T]) Wait(ctx context.Context) (*T, error) {
	select {
	case <-f.done:
		return f.result, f.err
	default:
	}

	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		if f.cancel == nil {
			return nil, cond.CancellationFailure(context.Cause(ctx))
		}

		// Cancel resolves the future unless the call is already resolving
		// it. A call that finished first keeps its own outcome.
		f.cancel()
		<-f.done

		if !cond.IsCancelled(f.err) {
			return f.result, f.err
		}

		return nil, cond.CancellationFailure(context.Cause(ctx))
	}
}

// Cancel cancels the call behind the future. It is a no-op once the future
// has resolved.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}
