package grpcx

import (
	"log/slog"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

// NewHandler serves every method registered on mux. It is meant for
// grpc.UnknownServiceHandler, which routes calls for services the server
// has no generated registration for.
func NewHandler(log *slog.Logger, mux *dispatch.Mux) grpc.StreamHandler {
	if log == nil {
		log = slog.Default()
	}

	return func(_ any, stream grpc.ServerStream) error {
		full, ok := grpc.MethodFromServerStream(stream)
		if !ok {
			return status.Error(codes.Internal, "no method in stream")
		}

		m, err := dispatch.ParseMethod(full)
		if err != nil {
			return status.Error(codes.Unimplemented, err.Error())
		}

		var raw cbor.RawMessage
		if err := stream.RecvMsg(&raw); err != nil {
			return err
		}

		var remote string
		if p, ok := peer.FromContext(stream.Context()); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		call := dispatch.NewCall(m, remote, func(v any) error {
			return cbor.Unmarshal(raw, v)
		})

		if err := mux.Dispatch(stream.Context(), call); err != nil {
			log.Error("call errored", "method", full, "error", err)

			st := cond.StatusOf(err)
			stream.SetTrailer(metadata.Pairs(CategoryKey, st.Category, CodeKey, st.Code))

			return status.Error(codes.Unknown, st.Message)
		}

		return stream.SendMsg(call.Result())
	}
}

// NewServer returns a grpc.Server answering every call from mux.
func NewServer(log *slog.Logger, mux *dispatch.Mux, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnknownServiceHandler(NewHandler(log, mux)))
	return grpc.NewServer(opts...)
}
