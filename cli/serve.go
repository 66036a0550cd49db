package cli

import (
	"context"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"miren.dev/dispatch/clientconfig"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/dispatch"
	"miren.dev/dispatch/pkg/transport/grpcx"
	"miren.dev/dispatch/pkg/transport/h3"
)

type echoReply struct {
	Echo cbor.RawMessage `cbor:"echo"`
	From string          `cbor:"from"`
}

// echoMux answers <service>/Echo with the request and the serving address.
func echoMux(service, from string) *dispatch.Mux {
	mux := dispatch.NewMux()

	dispatch.HandleFunc(mux, &dispatch.Method{Service: service, Name: "Echo"},
		func(_ context.Context, args *cbor.RawMessage) (*echoReply, error) {
			return &echoReply{Echo: *args, From: from}, nil
		})

	return mux
}

func (c *CLI) serve(ctx context.Context, opts struct {
	Global
	Listen    string `short:"l" long:"listen" description:"address to listen on"`
	Transport string `long:"transport" description:"h3 or grpc, defaults to the configured transport"`
	Service   string `short:"s" long:"service" description:"service name to serve"`
	Register  bool   `long:"register" description:"register the listen address in the configured etcd"`
}) error {
	log := c.logger(opts.Global)

	cfg, err := c.loadConfig(opts.Global)
	if err != nil {
		return err
	}

	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:7000"
	}

	if opts.Service == "" {
		opts.Service = "dispatch.Echo"
	}

	transport := opts.Transport
	if transport == "" {
		transport = cfg.Transport
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	mux := echoMux(opts.Service, opts.Listen)

	g, ctx := errgroup.WithContext(ctx)

	switch transport {
	case clientconfig.TransportGRPC:
		li, err := net.Listen("tcp", opts.Listen)
		if err != nil {
			return err
		}

		srv := grpcx.NewServer(log, mux)

		g.Go(func() error {
			return srv.Serve(li)
		})

		g.Go(func() error {
			<-ctx.Done()
			srv.GracefulStop()
			return nil
		})
	case clientconfig.TransportH3, "":
		conn, err := net.ListenPacket("udp", opts.Listen)
		if err != nil {
			return err
		}

		host, _, _ := net.SplitHostPort(opts.Listen)

		srv, err := h3.NewServer(h3.ServerOptions{Log: log, Mux: mux, Hosts: []string{host}})
		if err != nil {
			conn.Close()
			return err
		}

		g.Go(func() error {
			return srv.Serve(conn)
		})

		g.Go(func() error {
			<-ctx.Done()
			srv.Close()
			return conn.Close()
		})
	default:
		return errors.Errorf("cannot serve transport %q", transport)
	}

	if opts.Register {
		if err := c.register(ctx, g, cfg, opts.Service, opts.Listen); err != nil {
			cancel()
			g.Wait()
			return err
		}
	}

	log.Info("serving", "transport", transport, "listen", opts.Listen, "service", opts.Service)

	return g.Wait()
}

// register publishes listen in etcd and evicts it again once ctx ends.
func (c *CLI) register(ctx context.Context, g *errgroup.Group, cfg *clientconfig.Config, service, listen string) error {
	src, closer, err := cfg.Source(c.log)
	if err != nil {
		return err
	}

	if src == nil {
		return errors.New("--register needs an etcd section in the config")
	}

	id := ulid.Make().String()
	if err := src.Register(ctx, service, id, affinity.Address(listen)); err != nil {
		closer.Close()
		return err
	}

	g.Go(func() error {
		defer closer.Close()

		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_, err := src.Evict(ctx, affinity.Address(listen))
		return err
	})

	return nil
}
