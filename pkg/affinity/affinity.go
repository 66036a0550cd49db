// Package affinity holds the per-call address context that travels with a
// dispatched call: which address the last attempt used, which addresses are
// candidates for the next one, and who wants to hear about unhealthy
// addresses.
//
// An *Affinity is never modified after construction. Merge returns a new
// snapshot, so a snapshot can be handed to any number of goroutines without
// locking.
package affinity

import (
	"context"
	"slices"
)

// Address locates a remote endpoint, typically host:port. The zero value means
// no address.
type Address string

func (a Address) String() string {
	return string(a)
}

// Listener is told about addresses that failed. The affinity only carries a
// listener; it never calls it and never manages its lifetime.
type Listener interface {
	AddressFailed(addr Address, err error)
}

// Source supplies candidate addresses, usually backed by service discovery.
type Source interface {
	Addresses(ctx context.Context, service string) (registry, roundRobin []Address, err error)
}

type Affinity struct {
	current    Address
	roundRobin []Address
	registry   []Address
	listener   Listener
	refURL     string
}

// Update lists the fields to replace in Merge. Nil fields are left alone.
type Update struct {
	Current    *Address
	RoundRobin []Address
	Registry   []Address
	Listener   Listener
	RefURL     *string
}

func New(roundRobin, registry []Address) *Affinity {
	return &Affinity{
		roundRobin: slices.Clone(roundRobin),
		registry:   slices.Clone(registry),
	}
}

// Merge returns a new snapshot containing a's entries with u applied on top.
func (a *Affinity) Merge(u Update) *Affinity {
	n := &Affinity{}
	if a != nil {
		*n = *a
	}

	if u.Current != nil {
		n.current = *u.Current
	}

	if u.RoundRobin != nil {
		n.roundRobin = slices.Clone(u.RoundRobin)
	}

	if u.Registry != nil {
		n.registry = slices.Clone(u.Registry)
	}

	if u.Listener != nil {
		n.listener = u.Listener
	}

	if u.RefURL != nil {
		n.refURL = *u.RefURL
	}

	return n
}

// WithCurrent is shorthand for merging in a new current address.
func (a *Affinity) WithCurrent(addr Address) *Affinity {
	return a.Merge(Update{Current: &addr})
}

func (a *Affinity) Current() (Address, bool) {
	if a == nil || a.current == "" {
		return "", false
	}
	return a.current, true
}

func (a *Affinity) RoundRobin() []Address {
	if a == nil {
		return nil
	}
	return slices.Clone(a.roundRobin)
}

func (a *Affinity) Registry() []Address {
	if a == nil {
		return nil
	}
	return slices.Clone(a.registry)
}

func (a *Affinity) Listener() Listener {
	if a == nil {
		return nil
	}
	return a.listener
}

func (a *Affinity) RefURL() string {
	if a == nil {
		return ""
	}
	return a.refURL
}

// Candidates returns the list SelectNext draws from: the registry list when
// it has entries, the round-robin list otherwise.
func (a *Affinity) Candidates() []Address {
	if a == nil {
		return nil
	}

	if len(a.registry) > 0 {
		return slices.Clone(a.registry)
	}

	return slices.Clone(a.roundRobin)
}

// SelectNext picks the address following previous in the candidate list,
// wrapping at the end. When previous is empty or no longer a candidate the
// first candidate is returned. ok is false only when there are no candidates.
func (a *Affinity) SelectNext(previous Address) (addr Address, ok bool) {
	if a == nil {
		return "", false
	}

	list := a.roundRobin
	if len(a.registry) > 0 {
		list = a.registry
	}

	if len(list) == 0 {
		return "", false
	}

	if previous == "" {
		return list[0], true
	}

	idx := slices.Index(list, previous)
	if idx < 0 {
		return list[0], true
	}

	return list[(idx+1)%len(list)], true
}

// NotifyFailed forwards a failed address to the snapshot's listener, if any.
// The dispatcher never calls this itself; it is for callers that want to
// feed attempt failures back to their resolver.
func NotifyFailed(a *Affinity, addr Address, err error) bool {
	l := a.Listener()
	if l == nil || addr == "" {
		return false
	}

	l.AddressFailed(addr, err)
	return true
}
