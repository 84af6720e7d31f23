// Package message provides the core message types shared by the capbus
// engine, storage backends and transports.
//
// This package is imported by both the storage and transport packages to
// avoid circular dependencies while providing a unified message model.
package message

import (
	"strconv"
	"time"
)

// Header names carried on every message. Names are lowercase and prefixed
// so they survive brokers that normalize or restrict header keys.
const (
	// HeaderMessageID is the unique identifier of a logical publish.
	HeaderMessageID = "cap-msg-id"
	// HeaderMessageName is the topic the message is routed on.
	HeaderMessageName = "cap-msg-name"
	// HeaderMessageType is the serializer tag used to encode the body.
	HeaderMessageType = "cap-msg-type"
	// HeaderSentTime is the RFC3339 time the message was created.
	HeaderSentTime = "cap-senttime"
	// HeaderCorrelationID links a callback message to the message that
	// triggered it.
	HeaderCorrelationID = "cap-corr-id"
	// HeaderCorrelationSequence is the position in a callback chain,
	// starting at 0 for the original message.
	HeaderCorrelationSequence = "cap-corr-seq"
	// HeaderCallbackName, when set on an inbound message, names the topic a
	// handler result should be published to.
	HeaderCallbackName = "cap-callback-name"
	// HeaderDelayTime is the RFC3339 due time for delayed delivery.
	HeaderDelayTime = "cap-delaytime"
	// HeaderGroup is the consumer group the message was received on.
	HeaderGroup = "cap-msg-group"
	// HeaderException carries the error text for messages that could not be
	// decoded or executed. Its presence routes the message to the
	// exception path.
	HeaderException = "cap-exception"
	// HeaderExecutionInstanceID identifies the process that stored the
	// message, for diagnostics.
	HeaderExecutionInstanceID = "cap-exec-instance-id"
)

// Header is the ordered set of message headers.
type Header map[string]string

// Get returns the header value, or "" if unset.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Set stores a header value.
func (h Header) Set(key, value string) {
	h[key] = value
}

// Has reports whether the header is present.
func (h Header) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[key]
	return ok
}

// Clone returns a copy of the header set.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is the logical envelope: headers plus an opaque serialized body.
type Message struct {
	Headers Header `json:"headers"`
	Body    []byte `json:"body,omitempty"`
}

// New creates a message with the given headers and body.
// A nil header map is replaced with an empty one.
func New(headers Header, body []byte) *Message {
	if headers == nil {
		headers = make(Header)
	}
	return &Message{Headers: headers, Body: body}
}

// ID returns the message id header.
func (m *Message) ID() string { return m.Headers.Get(HeaderMessageID) }

// Name returns the topic name header.
func (m *Message) Name() string { return m.Headers.Get(HeaderMessageName) }

// Group returns the consumer group header.
func (m *Message) Group() string { return m.Headers.Get(HeaderGroup) }

// Type returns the serializer tag header.
func (m *Message) Type() string { return m.Headers.Get(HeaderMessageType) }

// CallbackName returns the callback topic header.
func (m *Message) CallbackName() string { return m.Headers.Get(HeaderCallbackName) }

// CorrelationID returns the correlation id header.
func (m *Message) CorrelationID() string { return m.Headers.Get(HeaderCorrelationID) }

// CorrelationSequence returns the callback chain position, or 0 when the
// header is absent or malformed.
func (m *Message) CorrelationSequence() int {
	n, err := strconv.Atoi(m.Headers.Get(HeaderCorrelationSequence))
	if err != nil {
		return 0
	}
	return n
}

// DelayTime returns the delayed-delivery due time, if set.
func (m *Message) DelayTime() (time.Time, bool) {
	v := m.Headers.Get(HeaderDelayTime)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// HasException reports whether the message carries an exception header.
func (m *Message) HasException() bool { return m.Headers.Has(HeaderException) }

// Status is the persisted lifecycle state of an outbox or inbox row.
type Status string

const (
	// StatusScheduled - stored, waiting to be sent or executed.
	StatusScheduled Status = "Scheduled"
	// StatusProcessing - picked up by a sender or executor.
	StatusProcessing Status = "Processing"
	// StatusSucceeded - terminal, kept until the success retention expires.
	StatusSucceeded Status = "Succeeded"
	// StatusFailed - failed; retryable until the retry ceiling, terminal
	// after it.
	StatusFailed Status = "Failed"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusProcessing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// MediumMessage is the in-memory unit of work wrapping a stored row and its
// decoded logical message. It is owned by exactly one component at a time
// (store, then sender or executor) and is never shared across goroutines.
type MediumMessage struct {
	// DBID is the string form of the 64-bit snowflake row id.
	DBID string
	// Origin is the decoded logical message. May be nil for rows loaded by
	// a retry scan until the sender or executor decodes Content.
	Origin *Message
	// Content is the serialized envelope persisted in the row.
	Content []byte
	// Added is the row creation time.
	Added time.Time
	// ExpiresAt is the retention deadline, set when the row settles in a
	// terminal state. Nil while the row is in flight or retryable.
	ExpiresAt *time.Time
	// Retries is the number of failed attempts so far.
	Retries int
}
