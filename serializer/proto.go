package serializer

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ErrNotProtoMessage is returned when a value passed to the Proto
// serializer does not implement proto.Message.
var ErrNotProtoMessage = errors.New("value does not implement proto.Message")

// Proto implements Serializer for Protocol Buffers payloads.
// Payload values must implement proto.Message.
type Proto struct{}

// Serialize encodes a proto.Message to its binary wire form.
func (Proto) Serialize(v any) ([]byte, error) {
	pm, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	data, err := proto.Marshal(pm)
	if err != nil {
		return nil, errors.Join(ErrSerializeFailure, err)
	}
	return data, nil
}

// Deserialize decodes binary proto wire bytes into the given proto.Message.
func (Proto) Deserialize(data []byte, v any) error {
	pm, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %T", ErrNotProtoMessage, v)
	}
	if err := proto.Unmarshal(data, pm); err != nil {
		return errors.Join(ErrDeserializeFailure, err)
	}
	return nil
}

// Name returns "proto".
func (Proto) Name() string { return "proto" }

// ContentType returns the protobuf MIME type.
func (Proto) ContentType() string { return "application/protobuf" }

var _ Serializer = Proto{}
