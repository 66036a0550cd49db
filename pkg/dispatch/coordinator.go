package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/retry"
)

// ErrNoAddress is wrapped in the exhaustion failure of a call that had no
// candidate address to try.
var ErrNoAddress = errors.New("no candidate address")

var errCallCancelled = errors.New("call cancelled")

type State int

const (
	Idle State = iota
	AttemptInFlight
	Retrying
	AttemptSucceeded
	ExhaustedFailure
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AttemptInFlight:
		return "in-flight"
	case Retrying:
		return "retrying"
	case AttemptSucceeded:
		return "succeeded"
	case ExhaustedFailure:
		return "exhausted"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	switch s {
	case AttemptSucceeded, ExhaustedFailure, Failed, Cancelled:
		return true
	}
	return false
}

// AttemptRecord describes an attempt that was issued.
type AttemptRecord struct {
	Number int
	Addr   affinity.Address
	Start  time.Time
	End    time.Time
	Err    error
}

// Coordinator drives one logical call through its attempts and resolves
// its Future exactly once.
type Coordinator[T any] struct {
	id      ulid.ULID
	log     *slog.Logger
	ch      Channel
	method  *Method
	req     any
	policy  retry.Policy
	timeout time.Duration
	metrics *Metrics
	publish func(*affinity.Affinity)

	ctx    context.Context
	cancel context.CancelCauseFunc

	future *Future[T]

	mu       sync.Mutex
	state    State
	aff      *affinity.Affinity
	current  *Attempt[T]
	attempts []*Attempt[T]
}

type coordinatorConfig struct {
	log     *slog.Logger
	opts    retry.Options
	metrics *Metrics
	publish func(*affinity.Affinity)
}

func newCoordinator[T any](ctx context.Context, ch Channel, m *Method, req any, aff *affinity.Affinity, cfg coordinatorConfig) *Coordinator[T] {
	ctx, cancel := context.WithCancelCause(ctx)

	log := cfg.log
	if log == nil {
		log = slog.Default()
	}

	c := &Coordinator[T]{
		id:      ulid.Make(),
		ch:      ch,
		method:  m,
		req:     req,
		policy:  cfg.opts.PolicyOrDefault(),
		timeout: cfg.opts.AttemptTimeout,
		metrics: cfg.metrics,
		publish: cfg.publish,
		ctx:     ctx,
		cancel:  cancel,
		future:  newFuture[T](),
		aff:     aff,
	}

	c.log = log.With("call", c.id.String(), "method", m.FullName())
	c.future.cancel = c.Cancel

	return c
}

func (c *Coordinator[T]) ID() string {
	return c.id.String()
}

func (c *Coordinator[T]) Future() *Future[T] {
	return c.future
}

func (c *Coordinator[T]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Affinity returns the latest snapshot, stamped with the address of the
// most recent attempt.
func (c *Coordinator[T]) Affinity() *affinity.Affinity {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.aff
}

// Attempts lists the attempts issued so far, in order.
func (c *Coordinator[T]) Attempts() []AttemptRecord {
	c.mu.Lock()
	attempts := slices.Clone(c.attempts)
	c.mu.Unlock()

	recs := make([]AttemptRecord, 0, len(attempts))
	for _, a := range attempts {
		recs = append(recs, a.record())
	}

	return recs
}

// Run starts the first attempt and returns without waiting. Only the first
// call to Run has any effect.
func (c *Coordinator[T]) Run() {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return
	}
	c.state = AttemptInFlight
	c.mu.Unlock()

	go c.loop()
}

// Cancel stops the call: the attempt in flight is cancelled, no further
// attempt is made, and the future resolves with a cancellation failure.
// Cancelling a finished call does nothing.
func (c *Coordinator[T]) Cancel() {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = Cancelled
	cur := c.current
	c.mu.Unlock()

	c.cancel(errCallCancelled)

	if cur != nil {
		cur.Cancel()
	}

	c.log.Debug("call cancelled")
	c.future.resolve(nil, cond.CancellationFailure(errCallCancelled))
}

func (c *Coordinator[T]) loop() {
	begin := time.Now()

	ctx, span := Tracer().Start(c.ctx, c.spanName(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", c.method.FullName())),
	)
	defer span.End()

	if ref := c.aff.RefURL(); ref != "" {
		span.SetAttributes(attribute.String("dispatch.ref_url", ref))
	}

	state, err := c.attemptLoop(ctx)

	span.SetAttributes(attribute.String("dispatch.result", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.metrics.observeCall(c.method.FullName(), state, begin)
	c.cancel(nil)
}

func (c *Coordinator[T]) attemptLoop(ctx context.Context) (State, error) {
	var (
		prev    affinity.Address
		lastErr error = ErrNoAddress
	)

	for n := 1; ; n++ {
		c.mu.Lock()
		addr, ok := c.aff.SelectNext(prev)
		if !ok {
			c.mu.Unlock()
			return c.finish(ExhaustedFailure, nil, cond.ExhaustionFailure(n-1, lastErr))
		}

		if c.state == Cancelled {
			c.mu.Unlock()
			return Cancelled, c.cancelledErr()
		}

		c.aff = c.aff.WithCurrent(addr)
		aff := c.aff

		a := newAttempt[T](n, addr, c.ch, c.method, c.req, c.timeout)
		c.current = a
		c.attempts = append(c.attempts, a)
		c.state = AttemptInFlight
		c.mu.Unlock()

		if c.publish != nil {
			c.publish(aff)
		}

		resp, err := c.runAttempt(ctx, a)

		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()

		if err == nil {
			c.log.Debug("attempt succeeded", "attempt", n, "addr", addr)
			return c.finish(AttemptSucceeded, resp, nil)
		}

		// Only Cancel or the caller's context cancel the call. A
		// cancellation reported by the remote is an ordinary failure.
		if c.ctx.Err() != nil {
			return c.finishCancelled(err)
		}

		retryable, maxAttempts, perr := c.consult(err)
		if perr != nil {
			c.log.Error("retry policy failed", "error", perr)
			return c.finish(Failed, nil, perr)
		}

		if !retryable {
			c.log.Error("attempt failed, not retryable", "attempt", n, "addr", addr, "error", err)
			return c.finish(ExhaustedFailure, nil, err)
		}

		if n >= maxAttempts {
			c.log.Error("attempts exhausted", "attempts", n, "addr", addr, "error", err)
			return c.finish(ExhaustedFailure, nil, cond.ExhaustionFailure(n, err))
		}

		delay, perr := c.backoff(n)
		if perr != nil {
			c.log.Error("retry policy failed", "error", perr)
			return c.finish(Failed, nil, perr)
		}

		c.log.Warn("attempt failed, retrying", "attempt", n, "addr", addr, "error", err, "delay", delay)

		c.mu.Lock()
		if c.state == Cancelled {
			c.mu.Unlock()
			return Cancelled, c.cancelledErr()
		}
		c.state = Retrying
		c.mu.Unlock()

		if err := sleep(c.ctx, delay); err != nil {
			return c.finishCancelled(err)
		}

		prev = addr
		lastErr = err
	}
}

func (c *Coordinator[T]) runAttempt(ctx context.Context, a *Attempt[T]) (*T, error) {
	ctx, span := Tracer().Start(ctx, "dispatch.attempt",
		trace.WithAttributes(
			attribute.Int("dispatch.attempt", a.Number),
			attribute.String("net.peer.addr", string(a.Addr)),
		),
	)
	defer span.End()

	c.log.Debug("starting attempt", "attempt", a.Number, "addr", a.Addr)

	done := make(chan struct{})
	a.run(ctx, func(*Attempt[T]) {
		close(done)
	})
	<-done

	resp, err := a.Result()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	c.metrics.observeAttempt(c.method.FullName(), outcomeLabel(err))

	return resp, err
}

// consult asks the policy about err. A panicking policy fails the call.
func (c *Coordinator[T]) consult(err error) (retryable bool, maxAttempts int, perr error) {
	defer func() {
		if r := recover(); r != nil {
			perr = cond.Panic(r)
		}
	}()

	retryable = c.policy.IsErrorRetryable(err)
	maxAttempts = max(c.policy.MaxAttempts(), 1)

	return retryable, maxAttempts, nil
}

func (c *Coordinator[T]) backoff(n int) (delay time.Duration, perr error) {
	defer func() {
		if r := recover(); r != nil {
			perr = cond.Panic(r)
		}
	}()

	return max(c.policy.BackoffDelay(n), 0), nil
}

func (c *Coordinator[T]) finish(state State, resp *T, err error) (State, error) {
	c.mu.Lock()
	if c.state.Terminal() {
		state = c.state
		c.mu.Unlock()
		return state, c.cancelledErr()
	}
	c.state = state
	c.mu.Unlock()

	c.future.resolve(resp, err)

	return state, err
}

func (c *Coordinator[T]) finishCancelled(err error) (State, error) {
	cause := context.Cause(c.ctx)
	if cause == nil {
		cause = err
	}

	return c.finish(Cancelled, nil, cond.CancellationFailure(cause))
}

// cancelledErr waits for Cancel to finish resolving the future and returns
// the failure it stored.
func (c *Coordinator[T]) cancelledErr() error {
	<-c.future.Done()
	_, err := c.future.Result()
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func outcomeLabel(err error) string {
	if err == nil {
		return "success"
	}

	var ec cond.ErrorCategory
	if errors.As(err, &ec) {
		switch {
		case cond.IsCancelled(err):
			return "cancelled"
		case cond.IsTransport(err):
			return "transport"
		case cond.IsApplication(err):
			return "application"
		}
		return ec.ErrorCategory()
	}

	return "unknown"
}
