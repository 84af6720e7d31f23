package capbus

import (
	"errors"
	"fmt"
)

// Bus lifecycle errors
var (
	// ErrBusClosed is returned from operations on a closed bus.
	ErrBusClosed = errors.New("bus is closed")

	// ErrBusStarted is returned when a bus is started twice or a
	// subscription is added after Start.
	ErrBusStarted = errors.New("bus already started")

	// ErrStoreRequired is returned by NewBus when no store is configured.
	ErrStoreRequired = errors.New("message store is required")

	// ErrTransportRequired is returned by NewBus when no transport is
	// configured.
	ErrTransportRequired = errors.New("transport is required")
)

// Publish and subscribe errors
var (
	// ErrEmptyTopic is returned for a publish or subscription without a
	// topic name.
	ErrEmptyTopic = errors.New("topic name is empty")

	// ErrNilHandler is returned for a subscription without a handler.
	ErrNilHandler = errors.New("subscription handler is nil")

	// ErrDuplicateSubscriber is returned when a (topic, group) pair is
	// registered twice.
	ErrDuplicateSubscriber = errors.New("duplicate subscriber for topic and group")

	// ErrPublishFailed wraps transport send failures after the inline
	// retries are exhausted.
	ErrPublishFailed = errors.New("failed to send message to broker")
)

// SubscriberNotFoundError is recorded on a received message when no handler
// is registered for its (topic, group) pair. The message is quarantined as
// terminal Failed without retries; redelivering cannot help until a
// subscriber exists.
type SubscriberNotFoundError struct {
	Topic string
	Group string
}

func (e *SubscriberNotFoundError) Error() string {
	return fmt.Sprintf("no subscriber for topic %q in group %q", e.Topic, e.Group)
}

// ExecuteError wraps a handler failure with the message identity for logs
// and the stored exception header.
type ExecuteError struct {
	MsgID string
	Topic string
	Group string
	Err   error
}

func (e *ExecuteError) Error() string {
	return fmt.Sprintf("execute %s on topic %q group %q: %v", e.MsgID, e.Topic, e.Group, e.Err)
}

func (e *ExecuteError) Unwrap() error { return e.Err }
