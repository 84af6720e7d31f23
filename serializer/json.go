package serializer

import (
	"encoding/json"
	"errors"
)

// JSON implements Serializer using encoding/json. This is the default:
// human-readable and debuggable at the cost of size.
type JSON struct{}

// Serialize encodes a value to JSON.
func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Join(ErrSerializeFailure, err)
	}
	return data, nil
}

// Deserialize decodes JSON into the given value.
func (JSON) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrDeserializeFailure, err)
	}
	return nil
}

// Name returns "json".
func (JSON) Name() string { return "json" }

// ContentType returns the JSON MIME type.
func (JSON) ContentType() string { return "application/json" }

var _ Serializer = JSON{}
