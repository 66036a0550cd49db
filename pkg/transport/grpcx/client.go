// Package grpcx carries dispatched calls over gRPC using a cbor codec, so no
// generated stubs are needed on either side.
package grpcx

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

// Trailer keys carrying the failure category and code of a handler error.
const (
	CategoryKey = "dispatch-category"
	CodeKey     = "dispatch-code"
)

var ErrClosed = errors.New("channel closed")

type Option func(*Channel)

func WithLogger(log *slog.Logger) Option {
	return func(c *Channel) {
		c.log = log
	}
}

// WithDialOptions replaces the default dial options, which use insecure
// transport credentials.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Channel) {
		c.dialOpts = opts
	}
}

// WithTarget maps an address to the gRPC target dialed for it.
func WithTarget(fn func(affinity.Address) string) Option {
	return func(c *Channel) {
		c.target = fn
	}
}

// Channel is a dispatch.Channel holding one ClientConn per address.
type Channel struct {
	log      *slog.Logger
	dialOpts []grpc.DialOption
	target   func(affinity.Address) string

	mu     sync.Mutex
	conns  map[affinity.Address]*grpc.ClientConn
	closed bool
}

var _ dispatch.Channel = (*Channel)(nil)

func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		log: slog.Default(),
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
		target: func(a affinity.Address) string { return string(a) },
		conns:  make(map[affinity.Address]*grpc.ClientConn),
	}

	for _, o := range opts {
		o(c)
	}

	return c
}

func (c *Channel) conn(addr affinity.Address) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	if cc, ok := c.conns[addr]; ok {
		return cc, nil
	}

	cc, err := grpc.NewClient(c.target(addr), c.dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "creating client for %s", addr)
	}

	c.log.Debug("created grpc client", "addr", addr)
	c.conns[addr] = cc

	return cc, nil
}

func (c *Channel) Invoke(ctx context.Context, addr affinity.Address, m *dispatch.Method, req, resp any) error {
	cc, err := c.conn(addr)
	if err != nil {
		return cond.TransportFailure(string(addr), err)
	}

	var trailer metadata.MD

	err = cc.Invoke(ctx, m.FullName(), req, resp,
		grpc.CallContentSubtype(Name),
		grpc.Trailer(&trailer),
	)

	return fromStatus(ctx, string(addr), err, trailer)
}

// Close closes every connection. Invoke fails with a transport failure
// afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	var first error
	for addr, cc := range c.conns {
		if err := cc.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, addr)
	}

	return first
}

func fromStatus(ctx context.Context, addr string, err error, trailer metadata.MD) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled, codes.DeadlineExceeded:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Our context is live, so the remote or the connection gave up.
		return cond.TransportFailure(addr, err)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return cond.TransportFailure(addr, err)
	}

	if code := first(trailer, CodeKey); code != "" {
		return cond.ApplicationFailure(first(trailer, CategoryKey), code, st.Message())
	}

	return cond.ApplicationFailure("grpc", strings.ToLower(st.Code().String()), st.Message())
}

func first(md metadata.MD, key string) string {
	if v := md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}
