package grpcx

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
	"miren.dev/dispatch/pkg/retry"
)

type addArgs struct {
	A, B int
}

type addReply struct {
	Sum  int
	From string
}

var add = &dispatch.Method{Service: "test.Calc", Name: "Add"}

type cluster struct {
	listeners map[string]*bufconn.Listener
}

func (c *cluster) dial(ctx context.Context, target string) (net.Conn, error) {
	l, ok := c.listeners[target]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return l.DialContext(ctx)
}

func (c *cluster) channel() *Channel {
	return NewChannel(
		WithLogger(slog.New(slog.DiscardHandler)),
		WithTarget(func(a affinity.Address) string { return "passthrough:///" + string(a) }),
		WithDialOptions(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithContextDialer(c.dial),
		),
	)
}

func newCluster(t *testing.T, addrs ...string) *cluster {
	t.Helper()

	c := &cluster{listeners: make(map[string]*bufconn.Listener)}

	for _, addr := range addrs {
		mux := dispatch.NewMux()
		dispatch.HandleFunc(mux, add, func(_ context.Context, a *addArgs) (*addReply, error) {
			if a.A < 0 || a.B < 0 {
				return nil, cond.ApplicationFailure("calc", "out-of-range", "negative operand")
			}
			return &addReply{Sum: a.A + a.B, From: addr}, nil
		})

		lis := bufconn.Listen(1 << 20)
		srv := NewServer(slog.New(slog.DiscardHandler), mux)

		go srv.Serve(lis)
		t.Cleanup(srv.Stop)

		c.listeners[addr] = lis
	}

	return c
}

func TestChannel(t *testing.T) {
	cl := newCluster(t, "a")

	ch := cl.channel()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("round trips a call", func(t *testing.T) {
		r := require.New(t)

		var res addReply
		r.NoError(ch.Invoke(ctx, "a", add, &addArgs{A: 2, B: 40}, &res))
		r.Equal(42, res.Sum)
		r.Equal("a", res.From)
	})

	t.Run("handler errors keep category and code", func(t *testing.T) {
		r := require.New(t)

		err := ch.Invoke(ctx, "a", add, &addArgs{A: -1}, &addReply{})

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("calc", ae.Category)
		r.Equal("out-of-range", ae.Code)
		r.Equal("negative operand", ae.Message)
	})

	t.Run("unknown method", func(t *testing.T) {
		r := require.New(t)

		err := ch.Invoke(ctx, "a", &dispatch.Method{Service: "test.Calc", Name: "Sub"}, &addArgs{}, &addReply{})

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("unimplemented", ae.Code)
	})

	t.Run("unreachable address is a transport failure", func(t *testing.T) {
		r := require.New(t)

		err := ch.Invoke(ctx, "nowhere", add, &addArgs{}, &addReply{})
		r.True(cond.IsTransport(err))
	})

	t.Run("closed channel is a transport failure", func(t *testing.T) {
		r := require.New(t)

		other := cl.channel()
		r.NoError(other.Close())

		err := other.Invoke(ctx, "a", add, &addArgs{}, &addReply{})
		r.True(cond.IsTransport(err))
		r.ErrorIs(err, ErrClosed)
	})
}

func TestFromStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("connection codes are transport failures", func(t *testing.T) {
		r := require.New(t)

		for _, code := range []codes.Code{codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted} {
			err := fromStatus(ctx, "a", status.Error(code, "x"), nil)
			r.True(cond.IsTransport(err), code.String())
		}
	})

	t.Run("other codes are application failures", func(t *testing.T) {
		r := require.New(t)

		err := fromStatus(ctx, "a", status.Error(codes.NotFound, "missing"), nil)

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("grpc", ae.Category)
		r.Equal("notfound", ae.Code)
		r.Equal("missing", ae.Message)
	})

	t.Run("trailer overrides the code", func(t *testing.T) {
		r := require.New(t)

		md := metadata.Pairs(CategoryKey, "calc", CodeKey, "busy")
		err := fromStatus(ctx, "a", status.Error(codes.Unknown, "later"), md)

		var ae cond.ErrApplication
		r.True(errors.As(err, &ae))
		r.Equal("calc", ae.Category)
		r.Equal("busy", ae.Code)
	})

	t.Run("remote cancellation with a live context is a transport failure", func(t *testing.T) {
		r := require.New(t)

		err := fromStatus(ctx, "a", status.Error(codes.Canceled, "stream canceled"), nil)
		r.True(cond.IsTransport(err))
		r.False(cond.IsCancelled(err))
	})

	t.Run("cancelled context returns the context error", func(t *testing.T) {
		r := require.New(t)

		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := fromStatus(cctx, "a", status.Error(codes.Canceled, "gone"), nil)
		r.ErrorIs(err, context.Canceled)
	})
}

func TestChannelWithCaller(t *testing.T) {
	r := require.New(t)

	cl := newCluster(t, "b", "c")

	ch := cl.channel()
	defer ch.Close()

	c := dispatch.NewCaller(ch,
		dispatch.WithLogger(slog.New(slog.DiscardHandler)),
		dispatch.WithRegistry("down", "c"),
		dispatch.WithAddresses("b"),
		dispatch.WithRetry(retry.Options{
			Policy: retry.NewStandard(retry.WithMaxAttempts(2), retry.WithBackoff(retry.Constant(0))),
		}),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := dispatch.BlockingUnaryCall[addReply](ctx, c, add, &addArgs{A: 1, B: 1})
	r.NoError(err)
	r.Equal(2, res.Sum)
	r.Equal("c", res.From)
}
