package wire

import "encoding/json"

// Codec is the grpc encoding.Codec the RPC surface forces on both server
// and client: GrpsMessage travels as JSON over gRPC's framing instead of
// protoc-generated wire bytes, so the HTTP and RPC bodies share one
// schema definition.
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (Codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (Codec) Name() string { return "json" }
