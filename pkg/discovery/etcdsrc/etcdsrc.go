// Package etcdsrc reads call candidates from etcd and evicts the ones that
// fail.
//
// Endpoints live under <prefix>/<service>/<id> as cbor encoded Endpoint
// values. Keys are read in order, so the registry list a call sees is
// stable between reads.
package etcdsrc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
)

const DefaultPrefix = "/dispatch/endpoints"

// evictTimeout bounds AddressFailed, which has no context of its own.
const evictTimeout = 5 * time.Second

type Endpoint struct {
	Address string `cbor:"address"`
}

type Source struct {
	log    *slog.Logger
	kv     clientv3.KV
	prefix string
}

var (
	_ affinity.Source   = (*Source)(nil)
	_ affinity.Listener = (*Source)(nil)
)

func New(log *slog.Logger, kv clientv3.KV, prefix string) *Source {
	if log == nil {
		log = slog.Default()
	}

	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Source{
		log:    log,
		kv:     kv,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (s *Source) servicePrefix(service string) string {
	return s.prefix + "/" + service + "/"
}

// Register publishes addr as endpoint id of service. opts are passed to the
// put, so a lease can be attached with clientv3.WithLease.
func (s *Source) Register(ctx context.Context, service, id string, addr affinity.Address, opts ...clientv3.OpOption) error {
	if service == "" || id == "" || strings.Contains(id, "/") {
		return cond.ValidationFailure("endpoint", "invalid service %q or id %q", service, id)
	}

	data, err := cbor.Marshal(Endpoint{Address: string(addr)})
	if err != nil {
		return errors.Wrap(err, "encoding endpoint")
	}

	_, err = s.kv.Put(ctx, s.servicePrefix(service)+id, string(data), opts...)
	if err != nil {
		return errors.Wrapf(err, "registering %s/%s", service, id)
	}

	s.log.Info("endpoint registered", "service", service, "id", id, "addr", addr)

	return nil
}

// Addresses returns the endpoints of service as the registry list. The
// round-robin list is always empty.
func (s *Source) Addresses(ctx context.Context, service string) (registry, roundRobin []affinity.Address, err error) {
	resp, err := s.kv.Get(ctx, s.servicePrefix(service),
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listing endpoints of %s", service)
	}

	seen := make(map[affinity.Address]bool, len(resp.Kvs))

	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := cbor.Unmarshal(kv.Value, &ep); err != nil {
			s.log.Warn("skipping undecodable endpoint", "key", string(kv.Key), "error", err)
			continue
		}

		addr := affinity.Address(ep.Address)
		if addr == "" || seen[addr] {
			continue
		}

		seen[addr] = true
		registry = append(registry, addr)
	}

	return registry, nil, nil
}

// Evict deletes every endpoint of any service that points at addr and
// returns how many were removed.
func (s *Source) Evict(ctx context.Context, addr affinity.Address) (int, error) {
	resp, err := s.kv.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return 0, errors.Wrap(err, "listing endpoints")
	}

	var removed int

	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := cbor.Unmarshal(kv.Value, &ep); err != nil || affinity.Address(ep.Address) != addr {
			continue
		}

		dr, err := s.kv.Delete(ctx, string(kv.Key))
		if err != nil {
			return removed, errors.Wrapf(err, "deleting %s", kv.Key)
		}

		removed += int(dr.Deleted)
	}

	return removed, nil
}

// AddressFailed evicts addr so later calls stop selecting it.
func (s *Source) AddressFailed(addr affinity.Address, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	n, err := s.Evict(ctx, addr)
	if err != nil {
		s.log.Error("failed to evict endpoint", "addr", addr, "error", err)
		return
	}

	s.log.Warn("evicted failing endpoint", "addr", addr, "endpoints", n, "cause", cause)
}
