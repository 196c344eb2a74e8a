package streamrpc

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk is one slice of a streamed payload: JsonChunk on the registry and
// BytesChunk on the verifier, both `bytes data = 1`. Chunks carry no
// meaning beyond their order; receivers concatenate them.
type Chunk struct {
	Data []byte
}

// MarshalWire implements Message.
func (c *Chunk) MarshalWire() []byte {
	return appendBytesField(nil, 1, c.Data)
}

// UnmarshalWire implements Message.
func (c *Chunk) UnmarshalWire(b []byte) error {
	*c = Chunk{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 && typ == protowire.BytesType {
			return consumeBytes(v, &c.Data)
		}
		return 0
	})
}

// UploadStatus acknowledges a registry upload.
type UploadStatus struct {
	Success bool
	Message string
}

// MarshalWire implements Message.
func (u *UploadStatus) MarshalWire() []byte {
	b := appendBoolField(nil, 1, u.Success)
	return appendStringField(b, 2, u.Message)
}

// UnmarshalWire implements Message.
func (u *UploadStatus) UnmarshalWire(b []byte) error {
	*u = UploadStatus{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeBool(v, &u.Success)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(v, &u.Message)
		}
		return 0
	})
}

// GetRequest asks the registry for the object stored under Message.
type GetRequest struct {
	Message string
}

// MarshalWire implements Message.
func (g *GetRequest) MarshalWire() []byte {
	return appendStringField(nil, 1, g.Message)
}

// UnmarshalWire implements Message.
func (g *GetRequest) UnmarshalWire(b []byte) error {
	*g = GetRequest{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		if num == 1 && typ == protowire.BytesType {
			return consumeString(v, &g.Message)
		}
		return 0
	})
}

// VerifyResponse is the verifier's verdict on a streamed receipt
// (GrpcVerifyResponse). JournalValue is the proto3 optional double field 3.
type VerifyResponse struct {
	Valid        bool
	Message      string
	JournalValue *float64
}

// MarshalWire implements Message.
func (r *VerifyResponse) MarshalWire() []byte {
	b := appendBoolField(nil, 1, r.Valid)
	b = appendStringField(b, 2, r.Message)
	if r.JournalValue != nil {
		b = protowire.AppendTag(b, 3, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(*r.JournalValue))
	}
	return b
}

// UnmarshalWire implements Message.
func (r *VerifyResponse) UnmarshalWire(b []byte) error {
	*r = VerifyResponse{}
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			return consumeBool(v, &r.Valid)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(v, &r.Message)
		case num == 3 && typ == protowire.Fixed64Type:
			x, n := protowire.ConsumeFixed64(v)
			if n < 0 {
				return n
			}
			f := math.Float64frombits(x)
			r.JournalValue = &f
			return n
		}
		return 0
	})
}

// Sender is the sending half of a client or server stream.
type Sender interface {
	SendMsg(m any) error
}

// SendChunks streams data in pieces of at most size bytes and returns the
// number of chunks sent. It stops before the next chunk once ctx is done.
// Empty data sends nothing.
func SendChunks(ctx context.Context, s Sender, data []byte, size int) (int, error) {
	if size <= 0 {
		return 0, eris.Errorf("streamrpc: chunk size must be positive, got %d", size)
	}
	sent := 0
	for off := 0; off < len(data); off += size {
		if err := ctx.Err(); err != nil {
			return sent, eris.Wrap(err, "streamrpc: send aborted")
		}
		end := min(off+size, len(data))
		if err := s.SendMsg(&Chunk{Data: data[off:end]}); err != nil {
			return sent, eris.Wrapf(err, "streamrpc: send chunk %d", sent)
		}
		sent++
	}
	return sent, nil
}
