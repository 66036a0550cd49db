// Package local is an in-process transport. Every address is a Mux living in
// the same process, and requests and responses are cbor encoded on the way
// through so that callers and handlers never share memory.
package local

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

var ErrUnreachable = errors.New("address unreachable")

type node struct {
	mux  *dispatch.Mux
	down bool
}

// Network is a set of in-process addresses. It implements dispatch.Channel.
type Network struct {
	mu    sync.Mutex
	nodes map[affinity.Address]*node
	calls map[affinity.Address]int
}

var _ dispatch.Channel = (*Network)(nil)

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[affinity.Address]*node),
		calls: make(map[affinity.Address]int),
	}
}

// Listen returns the Mux serving addr, creating it if needed.
func (n *Network) Listen(addr affinity.Address) *dispatch.Mux {
	n.mu.Lock()
	defer n.mu.Unlock()

	nd, ok := n.nodes[addr]
	if !ok {
		nd = &node{mux: dispatch.NewMux()}
		n.nodes[addr] = nd
	}

	return nd.mux
}

func (n *Network) Handle(addr affinity.Address, m *dispatch.Method, h dispatch.Handler) {
	n.Listen(addr).Handle(m, h)
}

// Down makes addr unreachable until Up is called.
func (n *Network) Down(addr affinity.Address) {
	n.setDown(addr, true)
}

func (n *Network) Up(addr affinity.Address) {
	n.setDown(addr, false)
}

func (n *Network) setDown(addr affinity.Address, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if nd, ok := n.nodes[addr]; ok {
		nd.down = down
	}
}

// Calls is the number of invocations that reached addr.
func (n *Network) Calls(addr affinity.Address) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls[addr]
}

func (n *Network) Invoke(ctx context.Context, addr affinity.Address, m *dispatch.Method, req, resp any) error {
	n.mu.Lock()
	nd, ok := n.nodes[addr]
	if ok && !nd.down {
		n.calls[addr]++
	}
	n.mu.Unlock()

	if !ok || nd.down {
		return cond.TransportFailure(string(addr), ErrUnreachable)
	}

	data, err := cbor.Marshal(req)
	if err != nil {
		return cond.ApplicationFailure("rpc", "invalid-request", err.Error())
	}

	call := dispatch.NewCall(m, "local", func(v any) error {
		return cbor.Unmarshal(data, v)
	})

	type result struct {
		data []byte
		err  error
	}

	done := make(chan result, 1)

	go func() {
		if err := nd.mux.Dispatch(ctx, call); err != nil {
			done <- result{err: err}
			return
		}

		data, err := cbor.Marshal(call.Result())
		done <- result{data: data, err: errors.Wrap(err, "encoding response")}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-done:
		if res.err != nil {
			return remoteErr(string(addr), res.err)
		}

		if err := cbor.Unmarshal(res.data, resp); err != nil {
			return cond.ApplicationFailure("rpc", "invalid-response", err.Error())
		}

		return nil
	}
}

// remoteErr passes the error over the boundary as its status. Handlers may
// return a transport failure to simulate a broken connection.
func remoteErr(addr string, err error) error {
	if cond.IsTransport(err) {
		return cond.TransportFailure(addr, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return cond.StatusOf(err).Err()
}
