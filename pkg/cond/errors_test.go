package cond

import (
	"context"
	"errors"
	"io"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Run("plain errors become transport failures", func(t *testing.T) {
		r := require.New(t)

		err := Classify("a:1", io.ErrUnexpectedEOF)
		r.True(IsTransport(err))
		r.ErrorIs(err, io.ErrUnexpectedEOF)

		var te ErrTransport
		r.True(errors.As(err, &te))
		r.Equal("a:1", te.Addr)
		r.Equal("unavailable", te.ErrorCode())
	})

	t.Run("deadlines are transport timeouts", func(t *testing.T) {
		r := require.New(t)

		err := Classify("a:1", pkgerrors.Wrap(context.DeadlineExceeded, "reading response"))
		r.True(IsTransport(err))

		var te ErrTransport
		r.True(errors.As(err, &te))
		r.Equal("timeout", te.ErrorCode())
	})

	t.Run("cancellation is kept apart", func(t *testing.T) {
		err := Classify("a:1", context.Canceled)
		assert.True(t, IsCancelled(err))
		assert.False(t, IsTransport(err))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("classified errors pass through", func(t *testing.T) {
		r := require.New(t)

		app := ApplicationFailure("users", "not-found", "no such user")
		r.Equal(app, Classify("a:1", app))

		tf := TransportFailure("b:1", io.EOF)
		r.Equal(tf, Classify("a:1", tf))
	})
}

func TestExhausted(t *testing.T) {
	r := require.New(t)

	last := ApplicationFailure("users", "busy", "try later")
	err := ExhaustionFailure(3, last)

	r.True(IsExhausted(err))
	r.True(IsApplication(err))
	r.False(IsTransport(err))

	var ae ErrApplication
	r.True(errors.As(err, &ae))
	r.Equal("busy", ae.ErrorCode())
	r.Equal("try later", ae.ErrorMessage())
	r.Contains(err.Error(), "3")
}

func TestCancellationFailure(t *testing.T) {
	r := require.New(t)

	err := CancellationFailure(nil)
	r.ErrorIs(err, context.Canceled)

	again := CancellationFailure(err)
	r.Equal(err, again)

	var ce ErrorCode
	r.True(errors.As(err, &ce))
	r.Equal("cancelled", ce.ErrorCode())
}
