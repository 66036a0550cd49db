// Package dispatch issues remote calls with retries across a set of candidate
// addresses.
//
// A call is started with UnaryCall, which returns a Future immediately, or
// BlockingUnaryCall, which waits on that same Future. Each call is driven by
// a Coordinator that issues at most one Attempt at a time, consults a
// retry.Policy after each failure, and resolves the Future exactly once.
package dispatch

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"

	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/retry"
)

// Caller holds everything shared by the calls made through it: the channel,
// the retry options and the address candidates.
type Caller struct {
	ch      Channel
	log     *slog.Logger
	opts    retry.Options
	metrics *Metrics

	roundRobin []affinity.Address
	registry   []affinity.Address
	source     affinity.Source
	listener   affinity.Listener
	refURL     string

	latest atomic.Pointer[affinity.Affinity]
}

type Option func(*Caller)

func WithLogger(log *slog.Logger) Option {
	return func(c *Caller) {
		c.log = log
	}
}

func WithRetry(opts retry.Options) Option {
	return func(c *Caller) {
		c.opts = opts
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Caller) {
		c.metrics = m
	}
}

// WithAddresses sets the static round-robin candidates.
func WithAddresses(addrs ...affinity.Address) Option {
	return func(c *Caller) {
		c.roundRobin = slices.Clone(addrs)
	}
}

// WithRegistry sets registry candidates, which take precedence over the
// round-robin list while non-empty.
func WithRegistry(addrs ...affinity.Address) Option {
	return func(c *Caller) {
		c.registry = slices.Clone(addrs)
	}
}

// WithSource makes each call read its candidates from src when it starts.
// The lists it returns replace the static ones for that call only.
func WithSource(src affinity.Source) Option {
	return func(c *Caller) {
		c.source = src
	}
}

func WithListener(l affinity.Listener) Option {
	return func(c *Caller) {
		c.listener = l
	}
}

func WithRefURL(ref string) Option {
	return func(c *Caller) {
		c.refURL = ref
	}
}

func NewCaller(ch Channel, opts ...Option) *Caller {
	c := &Caller{
		ch:  ch,
		log: slog.Default(),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

// RemoteAddress is the address targeted by the most recent attempt of any
// call made through c.
func (c *Caller) RemoteAddress() (affinity.Address, bool) {
	return c.latest.Load().Current()
}

// Affinity returns the latest snapshot published by a call, or nil.
func (c *Caller) Affinity() *affinity.Affinity {
	return c.latest.Load()
}

// ReportFailure tells the listener that the address last tried by the call
// behind aff failed, when err is a transport failure. aff is the call's own
// snapshot, normally Coordinator.Affinity, so concurrent calls never report
// each other's addresses. It reports whether a listener was told.
func (c *Caller) ReportFailure(aff *affinity.Affinity, err error) bool {
	if !cond.IsTransport(err) {
		return false
	}

	addr, ok := aff.Current()
	if !ok {
		return false
	}

	return affinity.NotifyFailed(aff, addr, err)
}

func (c *Caller) affinityFor(ctx context.Context, m *Method) *affinity.Affinity {
	roundRobin, registry := c.roundRobin, c.registry

	if c.source != nil {
		reg, rr, err := c.source.Addresses(ctx, m.Service)
		if err != nil {
			c.log.Warn("address source failed, using static addresses", "service", m.Service, "error", err)
		} else {
			if len(reg) > 0 {
				registry = reg
			}
			if len(rr) > 0 {
				roundRobin = rr
			}
		}
	}

	aff := affinity.New(roundRobin, registry)

	u := affinity.Update{Listener: c.listener}
	if c.refURL != "" {
		u.RefURL = &c.refURL
	}

	return aff.Merge(u)
}

func (c *Caller) publish(aff *affinity.Affinity) {
	c.latest.Store(aff)
}

// NewCoordinator prepares a call without starting it.
func NewCoordinator[T any](ctx context.Context, c *Caller, m *Method, req any) *Coordinator[T] {
	return newCoordinator[T](ctx, c.ch, m, req, c.affinityFor(ctx, m), coordinatorConfig{
		log:     c.log,
		opts:    c.opts,
		metrics: c.metrics,
		publish: c.publish,
	})
}

// UnaryCall starts a call and returns its Future without waiting. Ending
// ctx cancels the call.
func UnaryCall[T any](ctx context.Context, c *Caller, m *Method, req any) *Future[T] {
	co := NewCoordinator[T](ctx, c, m, req)
	co.Run()
	return co.Future()
}

// BlockingUnaryCall starts a call and waits for it. If ctx ends first the
// call is cancelled and a cond.ErrCancelled is returned; otherwise the
// call's own failure is returned as is.
func BlockingUnaryCall[T any](ctx context.Context, c *Caller, m *Method, req any) (*T, error) {
	return UnaryCall[T](ctx, c, m, req).Wait(ctx)
}
