package llmprovider

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// jsonCodecName is registered with grpc-go's encoding package and
// selected per-call via grpc.CallContentSubtype. The repo has no
// .proto/generated stubs anywhere in its dependency pack to ground a
// hand-authored protoc-gen-go (.pb.go) against, and hand-writing
// protobuf wire-format/reflection code would be fabrication rather
// than grounding (see DESIGN.md). A JSON codec keeps genuine grpc-go
// usage — connection, keepalive, streaming — without inventing
// generated protobuf messages.
const jsonCodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json codec unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return jsonCodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
