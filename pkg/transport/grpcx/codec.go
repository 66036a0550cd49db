package grpcx

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// Name is the content subtype calls are sent with, application/grpc+cbor.
const Name = "cbor"

type codec struct{}

func (codec) Marshal(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}

func (codec) Name() string {
	return Name
}

func init() {
	encoding.RegisterCodec(codec{})
}
