package serializer

import (
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Serializer using MessagePack.
// Binary, more compact and faster than JSON, schema-less.
type MsgPack struct{}

// Serialize encodes a value to MessagePack.
func (MsgPack) Serialize(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrSerializeFailure, err)
	}
	return data, nil
}

// Deserialize decodes MessagePack into the given value.
func (MsgPack) Deserialize(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDeserializeFailure, err)
	}
	return nil
}

// Name returns "msgpack".
func (MsgPack) Name() string { return "msgpack" }

// ContentType returns the MessagePack MIME type.
func (MsgPack) ContentType() string { return "application/msgpack" }

var _ Serializer = MsgPack{}
