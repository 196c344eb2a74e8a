// Package streamrpc defines the wire messages and service descriptors of the
// chunked registry and verifier RPCs. Messages use the protobuf binary
// encoding of jsonstreaming.proto and receipt_verifier.proto, so the clients
// interoperate with the Python registry and the Rust verifier.
package streamrpc

import (
	"github.com/rotisserie/eris"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
)

// CodecName is the gRPC content-subtype of the codec.
const CodecName = "proto"

// Message is a wire message that encodes itself in protobuf binary form.
type Message interface {
	MarshalWire() []byte
	UnmarshalWire(b []byte) error
}

// Codec marshals Message values. It is installed per call and per server
// rather than registered globally, so other gRPC clients in the process
// keep the standard protobuf codec.
type Codec struct{}

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	m, ok := v.(Message)
	if !ok {
		return nil, eris.Errorf("streamrpc: marshal: %T is not a wire message", v)
	}
	return m.MarshalWire(), nil
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	m, ok := v.(Message)
	if !ok {
		return eris.Errorf("streamrpc: unmarshal: %T is not a wire message", v)
	}
	return m.UnmarshalWire(data)
}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// CallOption selects the codec for a client call.
func CallOption() grpc.CallOption {
	return grpc.ForceCodec(Codec{})
}

// ServerOption selects the codec for every stream of a server.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

// walkFields calls field for each field in b. field returns the number of
// value bytes it consumed, 0 to have the field skipped, or a negative
// protowire error code.
func walkFields(b []byte, field func(num protowire.Number, typ protowire.Type, v []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return eris.Wrap(protowire.ParseError(n), "streamrpc: read tag")
		}
		b = b[n:]

		m := field(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return eris.Wrapf(protowire.ParseError(m), "streamrpc: read field %d", num)
		}
		b = b[m:]
	}
	return nil
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBoolField(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func consumeBytes(v []byte, dst *[]byte) int {
	data, n := protowire.ConsumeBytes(v)
	if n < 0 {
		return n
	}
	*dst = append([]byte(nil), data...)
	return n
}

func consumeString(v []byte, dst *string) int {
	s, n := protowire.ConsumeString(v)
	if n < 0 {
		return n
	}
	*dst = s
	return n
}

func consumeBool(v []byte, dst *bool) int {
	x, n := protowire.ConsumeVarint(v)
	if n < 0 {
		return n
	}
	*dst = protowire.DecodeBool(x)
	return n
}
