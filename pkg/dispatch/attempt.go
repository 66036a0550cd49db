package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
)

var errAttemptCancelled = errors.New("attempt cancelled")

type outcome int

const (
	pending outcome = iota
	succeeded
	failed
)

// Attempt is one invocation of the method against one address.
type Attempt[T any] struct {
	Number int
	Addr   affinity.Address

	ch      Channel
	method  *Method
	req     any
	timeout time.Duration

	mu       sync.Mutex
	outcome  outcome
	resp     *T
	err      error
	cancel   context.CancelCauseFunc
	onDone   func(*Attempt[T])
	started  time.Time
	finished time.Time
}

func newAttempt[T any](n int, addr affinity.Address, ch Channel, m *Method, req any, timeout time.Duration) *Attempt[T] {
	return &Attempt[T]{
		Number:  n,
		Addr:    addr,
		ch:      ch,
		method:  m,
		req:     req,
		timeout: timeout,
	}
}

// run starts the invocation on its own goroutine. onDone is called exactly
// once, after the outcome is set.
func (a *Attempt[T]) run(ctx context.Context, onDone func(*Attempt[T])) {
	ctx, cancel := context.WithCancelCause(ctx)

	a.mu.Lock()
	a.cancel = cancel
	a.onDone = onDone
	a.started = time.Now()
	cancelled := a.outcome != pending
	a.mu.Unlock()

	if cancelled {
		cancel(errAttemptCancelled)
		a.notify()
		return
	}

	go func() {
		defer cancel(nil)

		if a.timeout > 0 {
			var tcancel context.CancelFunc
			ctx, tcancel = context.WithTimeout(ctx, a.timeout)
			defer tcancel()
		}

		resp, err := a.invoke(ctx)
		if err != nil {
			a.finish(nil, cond.Classify(string(a.Addr), err))
		} else {
			a.finish(resp, nil)
		}
	}()
}

func (a *Attempt[T]) invoke(ctx context.Context) (resp *T, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = cond.Panic(r)
		}
	}()

	resp = new(T)
	err = a.ch.Invoke(ctx, a.Addr, a.method, a.req, resp)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (a *Attempt[T]) finish(resp *T, err error) {
	a.mu.Lock()
	if a.outcome != pending {
		a.mu.Unlock()
		return
	}

	if err != nil {
		a.outcome = failed
		a.err = err
	} else {
		a.outcome = succeeded
		a.resp = resp
	}
	a.finished = time.Now()
	a.mu.Unlock()

	a.notify()
}

func (a *Attempt[T]) notify() {
	a.mu.Lock()
	fn := a.onDone
	a.onDone = nil
	a.mu.Unlock()

	if fn != nil {
		fn(a)
	}
}

// Cancel requests cancellation of the invocation. The outcome becomes a
// cancellation failure unless it was already set. Calling Cancel again has
// no further effect.
func (a *Attempt[T]) Cancel() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel(errAttemptCancelled)
	}

	a.finish(nil, cond.CancellationFailure(errAttemptCancelled))
}

// Done reports whether the attempt has reached an outcome.
func (a *Attempt[T]) Done() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.outcome != pending
}

// Result returns the response or failure of a finished attempt.
func (a *Attempt[T]) Result() (*T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.resp, a.err
}

func (a *Attempt[T]) record() AttemptRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	return AttemptRecord{
		Number: a.Number,
		Addr:   a.Addr,
		Start:  a.started,
		End:    a.finished,
		Err:    a.err,
	}
}
