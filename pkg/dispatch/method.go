package dispatch

import (
	"context"

	"miren.dev/dispatch/pkg/affinity"
)

// Method identifies a remote operation. Callers own their Method values; a
// dispatched call only keeps a reference.
type Method struct {
	Service string
	Name    string
}

// FullName is the method path, "/Service/Name".
func (m *Method) FullName() string {
	return "/" + m.Service + "/" + m.Name
}

func (m *Method) String() string {
	return m.FullName()
}

// Channel sends one request to one address and decodes the reply into resp.
// Implementations return cond.ErrTransport for connection problems and
// cond.ErrApplication for errors the remote reported. Unclassified errors are
// treated as transport failures.
type Channel interface {
	Invoke(ctx context.Context, addr affinity.Address, m *Method, req, resp any) error
}

type ChannelFunc func(ctx context.Context, addr affinity.Address, m *Method, req, resp any) error

func (f ChannelFunc) Invoke(ctx context.Context, addr affinity.Address, m *Method, req, resp any) error {
	return f(ctx, addr, m, req, resp)
}
