package rpcapi

import (
	"google.golang.org/protobuf/proto"

	"github.com/grps-serving/grps/pkg/wire"
)

// CodecName is the content-subtype clients select with
// grpc.CallContentSubtype to speak the JSON wire body.
const CodecName = "json"

// jsonCodec carries GrpsMessage as JSON via wire.Codec, while letting
// proto messages round-trip through proto.Marshal so the standard gRPC
// health and reflection services keep working on the same server.
type jsonCodec struct {
	wire.Codec
}

func (c jsonCodec) Marshal(v any) ([]byte, error) {
	if pm, ok := v.(proto.Message); ok {
		return proto.Marshal(pm)
	}
	return c.Codec.Marshal(v)
}

func (c jsonCodec) Unmarshal(data []byte, v any) error {
	if pm, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, pm)
	}
	if len(data) == 0 {
		return nil
	}
	return c.Codec.Unmarshal(data, v)
}
