package retry

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"miren.dev/dispatch/pkg/cond"
)

func TestStandard(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s := NewStandard()
		assert.Equal(t, DefaultMaxAttempts, s.MaxAttempts())
	})

	t.Run("non-positive max attempts falls back to the default", func(t *testing.T) {
		s := NewStandard(WithMaxAttempts(0))
		assert.Equal(t, DefaultMaxAttempts, s.MaxAttempts())
	})

	t.Run("retries transport failures only by default", func(t *testing.T) {
		r := require.New(t)

		s := NewStandard()

		r.True(s.IsErrorRetryable(cond.TransportFailure("a:1", io.EOF)))
		r.True(s.IsErrorRetryable(cond.ExhaustionFailure(1, cond.TransportFailure("a:1", io.EOF))))
		r.False(s.IsErrorRetryable(cond.ApplicationFailure("svc", "busy", "later")))
		r.False(s.IsErrorRetryable(cond.CancellationFailure(context.Canceled)))
		r.False(s.IsErrorRetryable(nil))
	})

	t.Run("retries listed application codes", func(t *testing.T) {
		r := require.New(t)

		s := NewStandard(WithRetryCodes("busy"))

		r.True(s.IsErrorRetryable(cond.ApplicationFailure("svc", "busy", "later")))
		r.False(s.IsErrorRetryable(cond.ApplicationFailure("svc", "not-found", "nope")))
	})

	t.Run("custom predicate and backoff", func(t *testing.T) {
		r := require.New(t)

		s := NewStandard(
			WithRetryable(func(error) bool { return true }),
			WithBackoff(func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }),
		)

		r.True(s.IsErrorRetryable(cond.ApplicationFailure("svc", "x", "y")))
		r.Equal(3*time.Second, s.BackoffDelay(3))
	})
}

func TestExponential(t *testing.T) {
	r := require.New(t)

	fn := Exponential(100*time.Millisecond, time.Second, 0)

	r.Equal(time.Duration(0), fn(0))
	r.Equal(100*time.Millisecond, fn(1))
	r.Equal(200*time.Millisecond, fn(2))
	r.Equal(400*time.Millisecond, fn(3))
	r.Equal(800*time.Millisecond, fn(4))
	r.Equal(time.Second, fn(5))
	r.Equal(time.Second, fn(9))

	// Same input, same output.
	r.Equal(fn(3), fn(3))

	r.Equal(time.Duration(0), Exponential(0, time.Second, 0)(4))
}

func TestExponentialJitterStaysInRange(t *testing.T) {
	fn := Exponential(100*time.Millisecond, time.Second, 0.5)

	for i := 0; i < 50; i++ {
		d := fn(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestNop(t *testing.T) {
	var p Policy = Nop{}
	assert.Equal(t, 1, p.MaxAttempts())
	assert.False(t, p.IsErrorRetryable(cond.TransportFailure("a", io.EOF)))
	assert.Equal(t, time.Duration(0), Constant(0)(1))
	assert.Equal(t, time.Second, Constant(time.Second)(7))
}
