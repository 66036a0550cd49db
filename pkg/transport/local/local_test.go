package local

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
	"miren.dev/dispatch/pkg/retry"
)

type greetArgs struct {
	Name string
}

type greetReply struct {
	Greeting string
	From     string
}

var greet = &dispatch.Method{Service: "test.Greeter", Name: "Greet"}

func greeter(n *Network, addr affinity.Address) {
	dispatch.HandleFunc(n.Listen(addr), greet, func(_ context.Context, a *greetArgs) (*greetReply, error) {
		if a.Name == "" {
			return nil, cond.ApplicationFailure("greeter", "invalid-argument", "name required")
		}
		return &greetReply{Greeting: "hello " + a.Name, From: string(addr)}, nil
	})
}

func TestNetwork(t *testing.T) {
	t.Run("round trips request and response", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")

		var res greetReply
		r.NoError(n.Invoke(context.Background(), "a", greet, &greetArgs{Name: "evan"}, &res))
		r.Equal("hello evan", res.Greeting)
		r.Equal("a", res.From)
		r.Equal(1, n.Calls("a"))
	})

	t.Run("handler errors arrive as application failures", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")

		var res greetReply
		err := n.Invoke(context.Background(), "a", greet, &greetArgs{}, &res)

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("greeter", ae.Category)
		r.Equal("invalid-argument", ae.Code)
		r.Equal("name required", ae.Message)
	})

	t.Run("unknown method is unimplemented", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")

		err := n.Invoke(context.Background(), "a", &dispatch.Method{Service: "test.Greeter", Name: "Wave"}, nil, &greetReply{})

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("unimplemented", ae.Code)
	})

	t.Run("unencodable requests are invalid, not transport failures", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")

		err := n.Invoke(context.Background(), "a", greet, make(chan int), &greetReply{})
		r.False(cond.IsTransport(err))

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("invalid-request", ae.Code)
	})

	t.Run("unknown and down addresses are transport failures", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")

		err := n.Invoke(context.Background(), "nowhere", greet, &greetArgs{Name: "x"}, &greetReply{})
		r.True(cond.IsTransport(err))
		r.ErrorIs(err, ErrUnreachable)

		n.Down("a")
		err = n.Invoke(context.Background(), "a", greet, &greetArgs{Name: "x"}, &greetReply{})
		r.True(cond.IsTransport(err))
		r.Equal(0, n.Calls("a"))

		n.Up("a")
		r.NoError(n.Invoke(context.Background(), "a", greet, &greetArgs{Name: "x"}, &greetReply{}))
	})

	t.Run("panicking handler is reported, not propagated", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		n.Handle("a", greet, func(context.Context, *dispatch.Call) error {
			panic("bad handler")
		})

		err := n.Invoke(context.Background(), "a", greet, &greetArgs{Name: "x"}, &greetReply{})

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("panic", ae.Code)
		r.Contains(ae.Message, "bad handler")
	})

	t.Run("context cancellation returns the context error", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		n.Handle("a", greet, func(ctx context.Context, _ *dispatch.Call) error {
			<-ctx.Done()
			return ctx.Err()
		})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := n.Invoke(ctx, "a", greet, &greetArgs{Name: "x"}, &greetReply{})
		r.ErrorIs(err, context.DeadlineExceeded)
	})
}

func TestNetworkWithCaller(t *testing.T) {
	t.Run("fails over from a down address", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		greeter(n, "a")
		greeter(n, "b")
		n.Down("a")

		c := dispatch.NewCaller(n,
			dispatch.WithLogger(slog.New(slog.DiscardHandler)),
			dispatch.WithAddresses("a", "b"),
			dispatch.WithRetry(retry.Options{
				Policy: retry.NewStandard(retry.WithMaxAttempts(2), retry.WithBackoff(retry.Constant(0))),
			}),
		)

		res, err := dispatch.BlockingUnaryCall[greetReply](context.Background(), c, greet, &greetArgs{Name: "evan"})
		r.NoError(err)
		r.Equal("b", res.From)

		addr, ok := c.RemoteAddress()
		r.True(ok)
		r.Equal(affinity.Address("b"), addr)
	})

	t.Run("listed application codes are retried", func(t *testing.T) {
		r := require.New(t)

		n := NewNetwork()
		n.Handle("a", greet, func(context.Context, *dispatch.Call) error {
			return cond.ApplicationFailure("greeter", "busy", "try later")
		})
		greeter(n, "b")

		c := dispatch.NewCaller(n,
			dispatch.WithLogger(slog.New(slog.DiscardHandler)),
			dispatch.WithAddresses("a", "b"),
			dispatch.WithRetry(retry.Options{
				Policy: retry.NewStandard(
					retry.WithMaxAttempts(2),
					retry.WithBackoff(retry.Constant(0)),
					retry.WithRetryCodes("busy"),
				),
			}),
		)

		res, err := dispatch.BlockingUnaryCall[greetReply](context.Background(), c, greet, &greetArgs{Name: "evan"})
		r.NoError(err)
		r.Equal("b", res.From)
		r.Equal(1, n.Calls("a"))
	})
}
