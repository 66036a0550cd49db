package h3

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

const maxRequest = 16 << 20

type ServerOptions struct {
	Log *slog.Logger

	// Mux defaults to a new, empty one.
	Mux *dispatch.Mux

	// Certificate defaults to a self-signed one valid for localhost and
	// Hosts.
	Certificate *tls.Certificate
	Hosts       []string
}

type Server struct {
	log *slog.Logger
	mux *dispatch.Mux
	srv *http3.Server
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if opts.Mux == nil {
		opts.Mux = dispatch.NewMux()
	}

	var cert tls.Certificate
	if opts.Certificate != nil {
		cert = *opts.Certificate
	} else {
		c, err := selfSignedCert(opts.Hosts...)
		if err != nil {
			return nil, err
		}
		cert = c
	}

	s := &Server{
		log: opts.Log,
		mux: opts.Mux,
	}

	s.srv = &http3.Server{
		Handler: s,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{http3.NextProtoH3},
		},
		QUICConfig: DefaultQUICConfig(),
		Logger:     opts.Log,
	}

	return s, nil
}

func (s *Server) Mux() *dispatch.Mux {
	return s.mux
}

func (s *Server) Handle(m *dispatch.Method, h dispatch.Handler) {
	s.mux.Handle(m, h)
}

// Serve answers calls arriving on conn until Close is called.
func (s *Server) Serve(conn net.PacketConn) error {
	err := s.srv.Serve(conn)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Close() error {
	return s.srv.Close()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	m, err := dispatch.ParseMethod(r.URL.Path)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx := dispatch.Propagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

	ctx, span := dispatch.Tracer().Start(ctx, "dispatch.handle"+m.FullName(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("rpc.method", m.FullName())),
	)
	defer span.End()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequest))
	if err != nil {
		s.log.Error("reading request", "method", m.FullName(), "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	call := dispatch.NewCall(m, r.RemoteAddr, func(v any) error {
		return cbor.Unmarshal(body, v)
	})

	var env envelope

	if err := s.mux.Dispatch(ctx, call); err != nil {
		s.log.Error("call errored", "method", m.FullName(), "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		st := cond.StatusOf(err)
		env = envelope{Status: statusError, Error: &st}
	} else {
		res, err := cbor.Marshal(call.Result())
		if err != nil {
			st := cond.StatusOf(cond.ApplicationFailure("rpc", "invalid-response", err.Error()))
			env = envelope{Status: statusError, Error: &st}
		} else {
			env = envelope{Status: statusOK, Result: res}
		}
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)

	if err := cbor.NewEncoder(w).Encode(env); err != nil {
		s.log.Error("writing response", "method", m.FullName(), "error", err)
	}
}
