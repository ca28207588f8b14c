package riva

import "fmt"

// frame is an already-encoded protobuf message.
type frame struct {
	data []byte
}

// rawCodec moves pre-encoded protobuf bytes through gRPC. It reports the name
// "proto" so the content-subtype on the wire is what any protobuf server
// expects.
type rawCodec struct{}

func (rawCodec) Name() string { return "proto" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("riva: codec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("riva: codec cannot unmarshal into %T", v)
	}
	// gRPC may recycle data after Unmarshal returns.
	f.data = append(f.data[:0], data...)
	return nil
}
