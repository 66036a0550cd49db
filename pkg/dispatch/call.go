package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"miren.dev/dispatch/pkg/cond"
)

// Call is the serving side of one invocation.
type Call struct {
	method *Method
	remote string
	decode func(v any) error

	results any
}

// NewCall is used by transports to hand a decoded request to a Mux. decode
// fills v from the request body.
func NewCall(m *Method, remote string, decode func(v any) error) *Call {
	return &Call{
		method: m,
		remote: remote,
		decode: decode,
	}
}

func (c *Call) Method() *Method {
	return c.method
}

func (c *Call) Args(v any) error {
	if err := c.decode(v); err != nil {
		return cond.ApplicationFailure("rpc", "invalid-argument", err.Error())
	}
	return nil
}

func (c *Call) Results(v any) {
	c.results = v
}

// Result is the value the handler passed to Results.
func (c *Call) Result() any {
	return c.results
}

func (c *Call) RemoteAddr() string {
	return c.remote
}

type Handler func(ctx context.Context, call *Call) error

// Mux routes calls by full method name.
type Mux struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewMux() *Mux {
	return &Mux{
		handlers: make(map[string]Handler),
	}
}

func (m *Mux) Handle(method *Method, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[method.FullName()] = h
}

// HandleFunc registers fn with its argument and result types decoded and
// encoded for it.
func HandleFunc[A, R any](m *Mux, method *Method, fn func(ctx context.Context, args *A) (*R, error)) {
	m.Handle(method, func(ctx context.Context, call *Call) error {
		var args A
		if err := call.Args(&args); err != nil {
			return err
		}

		res, err := fn(ctx, &args)
		if err != nil {
			return err
		}

		call.Results(res)
		return nil
	})
}

// Dispatch runs the handler for call. Unknown methods and panicking handlers
// are reported as application failures.
func (m *Mux) Dispatch(ctx context.Context, call *Call) (err error) {
	m.mu.RLock()
	h, ok := m.handlers[call.method.FullName()]
	m.mu.RUnlock()

	if !ok {
		return cond.ApplicationFailure("rpc", "unimplemented", "unknown method: "+call.method.FullName())
	}

	defer func() {
		if r := recover(); r != nil {
			err = cond.ApplicationFailure("rpc", "panic", fmt.Sprint(r))
		}
	}()

	return h(ctx, call)
}

// ParseMethod splits a "/Service/Name" path.
func ParseMethod(fullName string) (*Method, error) {
	svc, name, ok := strings.Cut(strings.TrimPrefix(fullName, "/"), "/")
	if !ok || svc == "" || name == "" || strings.Contains(name, "/") {
		return nil, cond.ValidationFailure("method", "malformed method name %q", fullName)
	}

	return &Method{Service: svc, Name: name}, nil
}
