package affinity

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu     sync.Mutex
	failed []Address
}

func (l *recordingListener) AddressFailed(addr Address, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, addr)
}

func TestMerge(t *testing.T) {
	t.Run("returns a new snapshot and leaves the original alone", func(t *testing.T) {
		r := require.New(t)

		base := New([]Address{"a:1", "b:1"}, nil)
		next := base.WithCurrent("b:1")

		_, ok := base.Current()
		r.False(ok)

		cur, ok := next.Current()
		r.True(ok)
		r.Equal(Address("b:1"), cur)

		r.Equal(base.RoundRobin(), next.RoundRobin())
	})

	t.Run("updates win on collision", func(t *testing.T) {
		r := require.New(t)

		ref := "grpc://svc/Echo"
		l := &recordingListener{}

		base := New([]Address{"a:1"}, []Address{"x:1"}).WithCurrent("a:1")
		next := base.Merge(Update{
			Registry: []Address{"y:1", "z:1"},
			Listener: l,
			RefURL:   &ref,
		})

		r.Equal([]Address{"y:1", "z:1"}, next.Registry())
		r.Equal([]Address{"a:1"}, next.RoundRobin())
		r.Equal(ref, next.RefURL())
		r.Same(l, next.Listener())

		cur, _ := next.Current()
		r.Equal(Address("a:1"), cur)

		r.Equal([]Address{"x:1"}, base.Registry())
		r.Nil(base.Listener())
	})

	t.Run("callers cannot mutate a snapshot through returned slices", func(t *testing.T) {
		r := require.New(t)

		in := []Address{"a:1", "b:1"}
		a := New(in, nil)

		in[0] = "mutated"
		out := a.RoundRobin()
		out[1] = "mutated"

		r.Equal([]Address{"a:1", "b:1"}, a.RoundRobin())
	})

	t.Run("merging into nil starts from empty", func(t *testing.T) {
		var a *Affinity
		n := a.WithCurrent("a:1")

		cur, ok := n.Current()
		assert.True(t, ok)
		assert.Equal(t, Address("a:1"), cur)
	})
}

func TestSelectNext(t *testing.T) {
	t.Run("walks the list in order and wraps", func(t *testing.T) {
		r := require.New(t)

		a := New([]Address{"a", "b", "c"}, nil)

		var seen []Address
		prev := Address("")
		for i := 0; i < 4; i++ {
			next, ok := a.SelectNext(prev)
			r.True(ok)
			seen = append(seen, next)
			prev = next
		}

		r.Equal([]Address{"a", "b", "c", "a"}, seen)
	})

	t.Run("is deterministic", func(t *testing.T) {
		a := New([]Address{"a", "b", "c"}, nil)

		for i := 0; i < 10; i++ {
			next, ok := a.SelectNext("b")
			assert.True(t, ok)
			assert.Equal(t, Address("c"), next)
		}
	})

	t.Run("single element wraps to itself", func(t *testing.T) {
		a := New([]Address{"a"}, nil)

		next, ok := a.SelectNext("a")
		assert.True(t, ok)
		assert.Equal(t, Address("a"), next)
	})

	t.Run("unknown previous restarts at the first address", func(t *testing.T) {
		a := New([]Address{"a", "b"}, nil)

		next, ok := a.SelectNext("gone")
		assert.True(t, ok)
		assert.Equal(t, Address("a"), next)
	})

	t.Run("registry takes precedence over round robin", func(t *testing.T) {
		r := require.New(t)

		a := New([]Address{"p", "q"}, []Address{"x", "y"})

		next, ok := a.SelectNext("")
		r.True(ok)
		r.Equal(Address("x"), next)

		next, ok = a.SelectNext("p")
		r.True(ok)
		r.Equal(Address("x"), next)

		next, ok = a.SelectNext("x")
		r.True(ok)
		r.Equal(Address("y"), next)

		r.Equal([]Address{"x", "y"}, a.Candidates())
	})

	t.Run("no candidates", func(t *testing.T) {
		a := New(nil, nil)

		_, ok := a.SelectNext("")
		assert.False(t, ok)

		var nilAff *Affinity
		_, ok = nilAff.SelectNext("")
		assert.False(t, ok)
	})
}

func TestNotifyFailed(t *testing.T) {
	r := require.New(t)

	l := &recordingListener{}
	a := New([]Address{"a"}, nil).Merge(Update{Listener: l})

	r.True(NotifyFailed(a, "a", errors.New("refused")))
	r.False(NotifyFailed(a, "", errors.New("refused")))
	r.False(NotifyFailed(New(nil, nil), "a", errors.New("refused")))

	r.Equal([]Address{"a"}, l.failed)
}
