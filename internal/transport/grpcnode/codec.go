package grpcnode

import (
	"encoding/json"
)

// codecName is the content-subtype carried on the wire.
const codecName = "json"

// jsonCodec encodes the node protocol messages, which are plain Go structs
// with JSON tags, in place of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}
