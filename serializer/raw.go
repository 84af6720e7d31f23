package serializer

import "fmt"

// Raw is the passthrough serializer used when a message carries no type tag
// or an unknown one. Bodies are treated as opaque bytes.
type Raw struct{}

// Serialize accepts []byte or string values and returns them unchanged.
func (Raw) Serialize(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%w: raw serializer requires []byte or string, got %T", ErrSerializeFailure, v)
}

// Deserialize copies the bytes into a *[]byte or *string target.
func (Raw) Deserialize(data []byte, v any) error {
	switch out := v.(type) {
	case *[]byte:
		*out = append((*out)[:0], data...)
		return nil
	case *string:
		*out = string(data)
		return nil
	}
	return fmt.Errorf("%w: raw serializer requires *[]byte or *string, got %T", ErrDeserializeFailure, v)
}

// Name returns "raw".
func (Raw) Name() string { return "raw" }

// ContentType returns the opaque bytes MIME type.
func (Raw) ContentType() string { return "application/octet-stream" }

var _ Serializer = Raw{}
