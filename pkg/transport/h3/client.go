// Package h3 carries dispatched calls over HTTP/3. Each call is a POST of a
// cbor encoded request to https://<addr>/<service>/<method>; the reply is a
// cbor envelope holding either the result or the remote failure.
package h3

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/otel/propagation"
	"miren.dev/dispatch/pkg/affinity"
	"miren.dev/dispatch/pkg/cond"
	"miren.dev/dispatch/pkg/dispatch"
)

// maxResponse bounds how much of a response body is read.
const maxResponse = 16 << 20

func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    1000,
		MaxIncomingUniStreams: 1000,
		KeepAlivePeriod:       10 * time.Second,
	}
}

type ClientOptions struct {
	Log *slog.Logger

	// TLSConfig defaults to one that accepts the self-signed certificates
	// servers generate for themselves.
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
}

// Client is a dispatch.Channel over HTTP/3. Connections are pooled per
// address by the underlying transport.
type Client struct {
	log *slog.Logger
	tr  *http3.Transport
	hc  *http.Client
}

var _ dispatch.Channel = (*Client)(nil)

func NewClient(opts ClientOptions) *Client {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	if opts.TLSConfig == nil {
		opts.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}

	tlsCfg := opts.TLSConfig.Clone()
	tlsCfg.NextProtos = []string{http3.NextProtoH3}

	if opts.QUICConfig == nil {
		opts.QUICConfig = DefaultQUICConfig()
	}

	tr := &http3.Transport{
		TLSClientConfig: tlsCfg,
		QUICConfig:      opts.QUICConfig,
		Logger:          opts.Log,
	}

	return &Client{
		log: opts.Log,
		tr:  tr,
		hc:  &http.Client{Transport: tr},
	}
}

func (c *Client) Close() error {
	return c.tr.Close()
}

func (c *Client) Invoke(ctx context.Context, addr affinity.Address, m *dispatch.Method, req, resp any) error {
	data, err := cbor.Marshal(req)
	if err != nil {
		return cond.ApplicationFailure("rpc", "invalid-request", err.Error())
	}

	url := "https://" + string(addr) + m.FullName()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return cond.TransportFailure(string(addr), errors.Wrap(err, "building request"))
	}

	hreq.Header.Set("Content-Type", contentType)

	dispatch.Propagator().Inject(ctx, propagation.HeaderCarrier(hreq.Header))

	hr, err := c.hc.Do(hreq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cond.TransportFailure(string(addr), err)
	}

	defer hr.Body.Close()

	if hr.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(hr.Body, maxResponse))
		return cond.TransportFailure(string(addr), errors.Errorf("unexpected status code: %d", hr.StatusCode))
	}

	var env envelope
	if err := cbor.NewDecoder(io.LimitReader(hr.Body, maxResponse)).Decode(&env); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cond.TransportFailure(string(addr), errors.Wrap(err, "reading response"))
	}

	switch env.Status {
	case statusOK:
		if err := cbor.Unmarshal(env.Result, resp); err != nil {
			return cond.ApplicationFailure("rpc", "invalid-response", err.Error())
		}
		return nil
	case statusError:
		if env.Error == nil {
			return cond.ApplicationFailure("rpc", "unknown", "remote error without status")
		}
		return env.Error.Err()
	default:
		return cond.ApplicationFailure("rpc", "unknown", "unknown response status: "+env.Status)
	}
}
