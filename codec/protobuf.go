package codec

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Protobuf serializes concrete generated messages.
type Protobuf[T proto.Message] struct {
	new func() T // constructor for a concrete message (e.g., func() *pb.Observation { return &pb.Observation{} })
}

func NewProtobuf[T proto.Message](ctor func() T) Protobuf[T] {
	return Protobuf[T]{new: ctor}
}

func (c Protobuf[T]) Encode(v T) ([]byte, error) {
	return proto.Marshal(v)
}
func (c Protobuf[T]) Decode(b []byte) (T, error) {
	m := c.new()
	err := proto.Unmarshal(b, m)
	return m, err
}

// Structpb serializes untyped values through google.protobuf.Value. It covers
// the JSON-shaped subset (nil, bool, float64, string, []any, map[string]any);
// anything else fails to encode. Numbers round-trip as float64.
//
// Useful when the wire bytes must be readable by non-Go services that already
// speak protobuf well-known types.
type Structpb struct{}

var _ Codec[any] = Structpb{}

func (Structpb) Encode(v any) ([]byte, error) {
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pv)
}

func (Structpb) Decode(b []byte) (any, error) {
	var pv structpb.Value
	if err := proto.Unmarshal(b, &pv); err != nil {
		return nil, err
	}
	return pv.AsInterface(), nil
}
