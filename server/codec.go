package server

import (
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype both transports use for the service
// messages.
const CodecName = "cbor"

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encoding.RegisterCodec(Codec{})
}

// Codec encodes messages as canonical CBOR. It satisfies both
// connect.Codec and the gRPC encoding.Codec.
type Codec struct{}

// Name implements connect.Codec and encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements connect.Codec and encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) { return encMode.Marshal(v) }

// Unmarshal implements connect.Codec and encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
