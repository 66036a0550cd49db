package h3

import (
	"github.com/fxamacker/cbor/v2"
	"miren.dev/dispatch/pkg/cond"
)

const contentType = "application/cbor"

const (
	statusOK    = "ok"
	statusError = "error"
)

// envelope is the body of every response with HTTP status 200. Result is
// set when Status is "ok", Error otherwise.
type envelope struct {
	Status string          `cbor:"status"`
	Error  *cond.Status    `cbor:"error,omitempty"`
	Result cbor.RawMessage `cbor:"result,omitempty"`
}
