// Package serializer provides payload serialization for capbus messages.
//
// Two concerns live here:
//
//   - Serializer implementations (JSON, MessagePack, Protocol Buffers, Raw)
//     that encode and decode message bodies. The serializer used for a body
//     is recorded in the message's type-tag header so consumers can pick the
//     matching decoder.
//   - The envelope codec (Encode/Decode) that turns a whole message, headers
//     included, into the bytes persisted in the outbox and inbox Content
//     column.
//
// A Registry maps type tags to serializers. Lookups for an absent or unknown
// tag fall back to Raw, which passes bytes through untouched.
package serializer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rbaliyan/capbus/message"
)

// Serialization errors
var (
	ErrSerializeFailure   = errors.New("failed to serialize payload")
	ErrDeserializeFailure = errors.New("failed to deserialize payload")
	ErrEnvelopeFailure    = errors.New("failed to decode message envelope")
)

// Serializer encodes and decodes message bodies.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes a payload value to bytes.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes bytes into the given value.
	Deserialize(data []byte, v any) error

	// Name returns the type tag recorded in the message headers
	// (e.g. "json", "msgpack").
	Name() string

	// ContentType returns the MIME type for this serializer.
	ContentType() string
}

// Default returns the default serializer (JSON).
func Default() Serializer {
	return JSON{}
}

// Registry maps type tags to serializers. The zero value is not usable;
// use NewRegistry. Safe for concurrent use: registration normally happens
// at startup but is locked regardless.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Serializer
	fallback Serializer
	def      Serializer
}

// NewRegistry creates a registry pre-populated with the JSON, MessagePack,
// Protocol Buffers and Raw serializers. JSON is the default for publishing
// and Raw the fallback for unknown tags.
func NewRegistry(extra ...Serializer) *Registry {
	r := &Registry{
		byName:   make(map[string]Serializer),
		fallback: Raw{},
		def:      JSON{},
	}
	for _, s := range []Serializer{JSON{}, MsgPack{}, Proto{}, Raw{}} {
		r.byName[s.Name()] = s
	}
	for _, s := range extra {
		r.byName[s.Name()] = s
	}
	return r
}

// Register adds or replaces a serializer under its own name.
func (r *Registry) Register(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[s.Name()] = s
}

// SetDefault sets the serializer used when publishing.
func (r *Registry) SetDefault(s Serializer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = s
	r.byName[s.Name()] = s
}

// Default returns the publishing serializer.
func (r *Registry) Default() Serializer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.def
}

// Lookup returns the serializer for a type tag. An empty or unknown tag
// returns the Raw fallback and ok=false.
func (r *Registry) Lookup(tag string) (Serializer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byName[tag]; ok && tag != "" {
		return s, true
	}
	return r.fallback, false
}

// envelope is the persisted wire form of a message.
type envelope struct {
	Headers message.Header `json:"headers"`
	Body    []byte         `json:"body,omitempty"`
}

// Encode serializes a message envelope (headers plus already-serialized
// body) into the bytes stored in the Content column.
func Encode(m *message.Message) ([]byte, error) {
	data, err := json.Marshal(envelope{Headers: m.Headers, Body: m.Body})
	if err != nil {
		return nil, errors.Join(ErrSerializeFailure, err)
	}
	return data, nil
}

// Decode parses envelope bytes back into a message.
func Decode(data []byte) (*message.Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEnvelopeFailure, err)
	}
	if env.Headers == nil {
		return nil, fmt.Errorf("%w: missing headers", ErrEnvelopeFailure)
	}
	return &message.Message{Headers: env.Headers, Body: env.Body}, nil
}
