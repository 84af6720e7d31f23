// Package transport provides the broker abstraction consumed by the capbus
// engine.
//
// Broker implementations (channel, kafka, nats, redis) import this package
// rather than the engine package to avoid import cycles. A Transport is the
// pairing of a Sender (outbound delivery) and a ClientFactory (inbound
// consumer clients, one per consumer group).
package transport

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/capbus/message"
)

// Transport errors
var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNoTopic         = errors.New("message has no topic name")
	ErrNotSubscribed   = errors.New("consumer client has no subscriptions")
	ErrInvalidToken    = errors.New("invalid delivery token")
)

// Sender attempts delivery of one serialized message to the broker.
type Sender interface {
	// Send publishes the message on the topic named by its
	// message.HeaderMessageName header. An error means the delivery
	// failed and the caller drives the retry state machine.
	Send(ctx context.Context, m *message.Message) error

	// BrokerAddress returns a human-readable broker endpoint for
	// diagnostics and tracing.
	BrokerAddress() string
}

// MessageHandler is invoked by a ConsumerClient for each inbound message.
// token is the client-specific delivery handle passed back to Commit or
// Reject. Messages that failed to decode arrive with the
// message.HeaderException header set and the raw payload as body.
type MessageHandler func(ctx context.Context, m *message.Message, token any)

// LogType classifies consumer client log events.
type LogType int

const (
	// LogConsumeError - a receive attempt failed; transient.
	LogConsumeError LogType = iota
	// LogConnectError - the broker connection failed; the register is
	// marked unhealthy and may be restarted.
	LogConnectError
	// LogConsumerShutdown - the client stopped cleanly.
	LogConsumerShutdown
)

// String returns the log type name.
func (t LogType) String() string {
	switch t {
	case LogConsumeError:
		return "consume_error"
	case LogConnectError:
		return "connect_error"
	case LogConsumerShutdown:
		return "consumer_shutdown"
	default:
		return "unknown"
	}
}

// LogEvent is a connection-health signal raised by a consumer client.
type LogEvent struct {
	Type   LogType
	Reason string
}

// ConsumerClient is a broker consumer bound to one consumer group.
// A client is owned by a single goroutine; implementations need not make
// Subscribe/Listening reentrant.
type ConsumerClient interface {
	// Subscribe registers the topic set before Listening is called.
	Subscribe(topics []string) error

	// Listening blocks receiving messages until the context is cancelled,
	// checking for cancellation at least every pollTimeout. Each message is
	// delivered to the OnMessage handler before the client acknowledges
	// anything; acknowledgement is the handler's job via Commit.
	Listening(ctx context.Context, pollTimeout time.Duration) error

	// OnMessage sets the inbound message handler. Must be called before
	// Listening.
	OnMessage(h MessageHandler)

	// OnLog sets the connection-health callback.
	OnLog(f func(LogEvent))

	// Commit acknowledges the delivery identified by token.
	Commit(ctx context.Context, token any) error

	// Reject negatively acknowledges the delivery so the broker may
	// redeliver it.
	Reject(ctx context.Context, token any) error

	// BrokerAddress returns a human-readable broker endpoint.
	BrokerAddress() string

	// Close releases the client's broker resources.
	Close() error
}

// ClientFactory creates consumer clients per consumer group.
type ClientFactory interface {
	Create(group string) (ConsumerClient, error)
}

/// Transport is a full broker binding: outbound sender plus consumer client
// factory.
type Transport interface {
	Sender
	ClientFactory

	// Close shuts down the transport and every client created from it.
	Close(ctx context.Context) error
}

// NewExceptionMessage builds the message delivered to handlers when a broker
// payload cannot be decoded. The raw bytes are kept as the body and the
// decode error is recorded in the exception header, which routes the message
// to the poison path.
func NewExceptionMessage(name, group string, raw []byte, err error) *message.Message {
	return message.New(message.Header{
		message.HeaderMessageID:   NewID(),
		message.HeaderMessageName: name,
		message.HeaderGroup:       group,
		message.HeaderException:   err.Error(),
	}, raw)
}

// ID generation
var counter uint64

// NewID generates a new unique ID
func NewID() string {
	u, err := uuid.NewRandom()
	if err == nil {
		return u.String()
	}
	return strconv.FormatUint(atomic.AddUint64(&counter, 1), 10)
}

// Logger returns a logger with the given component name
func Logger(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
