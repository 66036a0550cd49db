// Package retry holds the pluggable policy a dispatched call consults after
// every failed attempt. The dispatcher never decides retryability itself.
package retry

import (
	"errors"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"
	"miren.dev/dispatch/pkg/cond"
)

const (
	DefaultMaxAttempts int = 3

	DefaultMaxBackoff time.Duration = 20 * time.Second
	DefaultBaseDelay  time.Duration = 200 * time.Millisecond
	DefaultJitter     float64       = 0.2
)

// Policy decides whether and when a failed attempt is retried.
type Policy interface {
	// MaxAttempts is the total number of attempts allowed, at least 1.
	MaxAttempts() int
	IsErrorRetryable(err error) bool
	// BackoffDelay is the wait after attempt number attempt failed, before
	// the next one starts.
	BackoffDelay(attempt int) time.Duration
}

// Options bundles a Policy with per-attempt settings.
type Options struct {
	Policy Policy

	// AttemptTimeout bounds each attempt. Zero means attempts are bounded
	// only by the caller's context.
	AttemptTimeout time.Duration
}

func (o Options) PolicyOrDefault() Policy {
	if o.Policy == nil {
		return NewStandard()
	}
	return o.Policy
}

// Nop never retries.
type Nop struct{}

func (Nop) MaxAttempts() int { return 1 }

func (Nop) IsErrorRetryable(error) bool { return false }

func (Nop) BackoffDelay(int) time.Duration { return 0 }

type StandardOptions struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxBackoff  time.Duration
	Jitter      float64

	// Backoff overrides the exponential schedule built from the delays above.
	Backoff func(attempt int) time.Duration

	// Retryable overrides the default classification, which retries
	// transport failures only.
	Retryable func(err error) bool

	// RetryCodes lists application error codes that are retried in addition
	// to transport failures.
	RetryCodes []string
}

type Standard struct {
	maxAttempts int
	retryable   func(error) bool
	backoff     func(int) time.Duration
}

var _ Policy = (*Standard)(nil)

func NewStandard(fnOpts ...func(*StandardOptions)) *Standard {
	o := StandardOptions{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxBackoff:  DefaultMaxBackoff,
		Jitter:      DefaultJitter,
	}

	for _, fn := range fnOpts {
		fn(&o)
	}

	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}

	if o.BaseDelay < 0 {
		o.BaseDelay = DefaultBaseDelay
	}

	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}

	if o.Backoff == nil {
		o.Backoff = Exponential(o.BaseDelay, o.MaxBackoff, o.Jitter)
	}

	if o.Retryable == nil {
		codes := slices.Clone(o.RetryCodes)
		o.Retryable = func(err error) bool {
			return TransportOrCodes(err, codes...)
		}
	}

	return &Standard{
		maxAttempts: o.MaxAttempts,
		retryable:   o.Retryable,
		backoff:     o.Backoff,
	}
}

func WithMaxAttempts(n int) func(*StandardOptions) {
	return func(o *StandardOptions) {
		o.MaxAttempts = n
	}
}

func WithBackoff(fn func(attempt int) time.Duration) func(*StandardOptions) {
	return func(o *StandardOptions) {
		o.Backoff = fn
	}
}

func WithRetryable(fn func(err error) bool) func(*StandardOptions) {
	return func(o *StandardOptions) {
		o.Retryable = fn
	}
}

func WithRetryCodes(codes ...string) func(*StandardOptions) {
	return func(o *StandardOptions) {
		o.RetryCodes = append(o.RetryCodes, codes...)
	}
}

func (s *Standard) MaxAttempts() int {
	return s.maxAttempts
}

func (s *Standard) IsErrorRetryable(err error) bool {
	return s.retryable(err)
}

func (s *Standard) BackoffDelay(attempt int) time.Duration {
	return s.backoff(attempt)
}

// TransportOrCodes reports whether err is a transport failure or an
// application failure with one of the given codes. Cancellation is never
// retryable.
func TransportOrCodes(err error, codes ...string) bool {
	if err == nil || cond.IsCancelled(err) {
		return false
	}

	if cond.IsTransport(err) {
		return true
	}

	var ae cond.ErrApplication
	if len(codes) > 0 && errors.As(err, &ae) {
		return slices.Contains(codes, ae.Code)
	}

	return false
}

// Exponential returns a schedule doubling from base up to maxDelay. jitter is the
// randomization factor applied to each delay, 0 for a fixed schedule.
func Exponential(base, maxDelay time.Duration, jitter float64) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 || base == 0 {
			return 0
		}

		b := &backoff.ExponentialBackOff{
			InitialInterval:     base,
			RandomizationFactor: jitter,
			Multiplier:          2,
			MaxInterval:         maxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		b.Reset()

		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = b.NextBackOff()
		}

		return d
	}
}

// Constant waits the same delay after every attempt.
func Constant(d time.Duration) func(attempt int) time.Duration {
	cb := backoff.NewConstantBackOff(d)
	return func(int) time.Duration {
		return cb.NextBackOff()
	}
}
