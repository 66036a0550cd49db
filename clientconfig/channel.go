package clientconfig

import (
	"errors"
	"io"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"miren.dev/dispatch/pkg/discovery/etcdsrc"
	"miren.dev/dispatch/pkg/dispatch"
	"miren.dev/dispatch/pkg/transport/grpcx"
	"miren.dev/dispatch/pkg/transport/h3"
	"miren.dev/dispatch/pkg/transport/local"
)

const defaultDialTimeout = 5 * time.Second

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Channel creates the transport named by the configuration. The local
// transport starts with no addresses; callers populate it through the
// returned *local.Network.
func (c *Config) Channel(log *slog.Logger) (dispatch.Channel, io.Closer, error) {
	switch c.Transport {
	case TransportLocal:
		return local.NewNetwork(), nopCloser{}, nil
	case TransportGRPC:
		ch := grpcx.NewChannel(grpcx.WithLogger(log))
		return ch, ch, nil
	case TransportH3, "":
		cl := h3.NewClient(h3.ClientOptions{Log: log})
		return cl, cl, nil
	default:
		return nil, nil, c.Validate()
	}
}

// Source connects to etcd when the configuration has an etcd section, and
// returns nil otherwise.
func (c *Config) Source(log *slog.Logger) (*etcdsrc.Source, io.Closer, error) {
	if c.Etcd == nil {
		return nil, nopCloser{}, nil
	}

	timeout := time.Duration(c.Etcd.DialTimeout)
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}

	ec, err := clientv3.New(clientv3.Config{
		Endpoints:   c.Etcd.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	return etcdsrc.New(log, ec, c.Etcd.Prefix), ec, nil
}

// Caller assembles a Caller from the whole configuration. The closer
// releases the transport and the etcd client.
func (c *Config) Caller(log *slog.Logger, opts ...dispatch.Option) (*dispatch.Caller, io.Closer, error) {
	ch, chc, err := c.Channel(log)
	if err != nil {
		return nil, nil, err
	}

	src, srcc, err := c.Source(log)
	if err != nil {
		chc.Close()
		return nil, nil, err
	}

	base := []dispatch.Option{
		dispatch.WithLogger(log),
		dispatch.WithRetry(c.RetryOptions()),
		dispatch.WithAddresses(c.Addresses()...),
	}

	if src != nil {
		base = append(base, dispatch.WithSource(src), dispatch.WithListener(src))
	}

	return dispatch.NewCaller(ch, append(base, opts...)...), closers{srcc, chc}, nil
}
