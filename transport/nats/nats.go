// Package nats provides a NATS JetStream transport implementation.
//
// JetStream gives at-least-once delivery with explicit acknowledgement: a
// message is ack'd only after its received copy has been persisted, and an
// unacked message is redelivered after the ack wait elapses. Each topic is
// backed by its own stream; each consumer group maps to a durable consumer
// on every stream it subscribes, so groups load-balance internally and
// fan out across each other.
package nats

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/transport"
)

// Errors
var (
	ErrConnRequired    = errors.New("nats connection is required")
	ErrJetStreamFailed = errors.New("failed to create jetstream context")
)

// Default stream configuration
var (
	DefaultReplicas = 1
	DefaultMaxAge   = 24 * time.Hour
	DefaultAckWait  = 30 * time.Second
)

// streamPrefix keeps engine streams from clashing with user data.
const streamPrefix = "cap"

// Transport implements transport.Transport using NATS JetStream.
type Transport struct {
	status  int32
	conn    *nats.Conn
	js      jetstream.JetStream
	logger  *slog.Logger
	onError func(error)

	// Stream configuration
	replicas int
	maxAge   time.Duration
	ackWait  time.Duration

	// Deduplication by message id within the window. The inbox dedups
	// again by row id, so this only trims redundant broker traffic.
	dedupWindow time.Duration

	streams sync.Map // map[string]jetstream.Stream by topic
}

// Option configures the transport.
type Option func(*Transport)

// WithReplicas sets the stream replication factor.
func WithReplicas(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replicas = n
		}
	}
}

// WithMaxAge sets the stream message retention.
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.maxAge = d
		}
	}
}

// WithAckWait sets how long JetStream waits for an ack before redelivering.
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.ackWait = d
		}
	}
}

// WithDeduplication enables native stream deduplication by message id.
func WithDeduplication(window time.Duration) Option {
	return func(t *Transport) {
		if window > 0 {
			t.dedupWindow = window
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithErrorHandler sets the error handler callback.
func WithErrorHandler(fn func(error)) Option {
	return func(t *Transport) {
		if fn != nil {
			t.onError = fn
		}
	}
}

// New creates a JetStream transport over a pre-initialized connection.
// The caller owns the connection and closes it after the transport.
func New(conn *nats.Conn, opts ...Option) (*Transport, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	t := &Transport{
		status:   1,
		conn:     conn,
		replicas: DefaultReplicas,
		maxAge:   DefaultMaxAge,
		ackWait:  DefaultAckWait,
		logger:   transport.Logger("transport>nats"),
		onError:  func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		return nil, errors.Join(ErrJetStreamFailed, err)
	}
	t.js = js

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// sanitize maps a topic or group name onto the charset JetStream allows in
// stream and durable names.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '\\', ' ':
			return '_'
		}
		return r
	}, name)
}

func (t *Transport) streamName(topic string) string {
	return streamPrefix + "_" + sanitize(topic)
}

// ensureStream creates or updates the stream backing a topic.
func (t *Transport) ensureStream(ctx context.Context, topic string) (jetstream.Stream, error) {
	if v, ok := t.streams.Load(topic); ok {
		return v.(jetstream.Stream), nil
	}

	cfg := jetstream.StreamConfig{
		Name:     t.streamName(topic),
		Subjects: []string{topic},
		Replicas: t.replicas,
		MaxAge:   t.maxAge,
	}
	if t.dedupWindow > 0 {
		cfg.Duplicates = t.dedupWindow
	}

	stream, err := t.js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	t.streams.Store(topic, stream)
	t.logger.Debug("ensured stream", "topic", topic, "stream", cfg.Name)
	return stream, nil
}

// Send publishes the message on its topic subject. Headers travel as NATS
// headers and the body as the payload.
func (t *Transport) Send(ctx context.Context, m *message.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	topic := m.Name()
	if topic == "" {
		return transport.ErrNoTopic
	}
	if _, err := t.ensureStream(ctx, topic); err != nil {
		return err
	}

	natsMsg := &nats.Msg{
		Subject: topic,
		Header:  make(nats.Header, len(m.Headers)),
		Data:    m.Body,
	}
	for k, v := range m.Headers {
		natsMsg.Header.Set(k, v)
	}

	var pubOpts []jetstream.PublishOpt
	if t.dedupWindow > 0 {
		pubOpts = append(pubOpts, jetstream.WithMsgID(m.ID()))
	}

	if _, err := t.js.PublishMsg(ctx, natsMsg, pubOpts...); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", m.ID())
	return nil
}

// BrokerAddress returns the connected server URL.
func (t *Transport) BrokerAddress() string {
	if url := t.conn.ConnectedUrl(); url != "" {
		return url
	}
	return strings.Join(t.conn.Servers(), ",")
}

// Create returns a consumer client bound to the consumer group.
func (t *Transport) Create(group string) (transport.ConsumerClient, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	return &client{
		transport: t,
		group:     group,
		logger:    t.logger.With("group", group),
	}, nil
}

// Close shuts down the transport. The connection was passed in
// pre-initialized and stays open; the caller owns it.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// client implements transport.ConsumerClient with one durable consumer per
// subscribed topic.
type client struct {
	transport *Transport
	group     string
	logger    *slog.Logger
	consumers []jetstream.Consumer
	topics    []string
	handler   transport.MessageHandler
	onLog     func(transport.LogEvent)
	closed    int32
}

// Subscribe creates a durable consumer for each topic's stream.
func (c *client) Subscribe(topics []string) error {
	if !c.transport.isOpen() {
		return transport.ErrTransportClosed
	}

	ctx := context.Background()
	durable := sanitize(c.group)
	for _, topic := range topics {
		stream, err := c.transport.ensureStream(ctx, topic)
		if err != nil {
			return err
		}
		consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       durable,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverAllPolicy,
			AckWait:       c.transport.ackWait,
		})
		if err != nil {
			return err
		}
		c.consumers = append(c.consumers, consumer)
		c.topics = append(c.topics, topic)
	}
	return nil
}

// OnMessage sets the inbound handler.
func (c *client) OnMessage(h transport.MessageHandler) { c.handler = h }

// OnLog sets the health callback.
func (c *client) OnLog(f func(transport.LogEvent)) { c.onLog = f }

// Listening consumes from every subscribed topic until the context is
// cancelled. Consumer errors trigger reconnection with jittered backoff.
func (c *client) Listening(ctx context.Context, pollTimeout time.Duration) error {
	if len(c.consumers) == 0 {
		return transport.ErrNotSubscribed
	}

	handler := func(msg jetstream.Msg) {
		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}
		if c.handler == nil {
			return
		}
		c.handler(ctx, c.decode(msg), msg)
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		if atomic.LoadInt32(&c.closed) == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			c.emit(transport.LogEvent{Type: transport.LogConsumerShutdown, Reason: "context cancelled"})
			return ctx.Err()
		default:
		}

		errCh := make(chan error, 1)
		errHandler := jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			select {
			case errCh <- err:
			default:
			}
		})

		contexts := make([]jetstream.ConsumeContext, 0, len(c.consumers))
		var startErr error
		for _, consumer := range c.consumers {
			cc, err := consumer.Consume(handler, errHandler)
			if err != nil {
				startErr = err
				break
			}
			contexts = append(contexts, cc)
		}
		if startErr != nil {
			for _, cc := range contexts {
				cc.Stop()
			}
			jittered := transport.Jitter(backoff, 0.3)
			c.logger.Error("consume error, retrying with backoff", "error", startErr, "backoff", jittered)
			c.emit(transport.LogEvent{Type: transport.LogConnectError, Reason: startErr.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 100 * time.Millisecond

		select {
		case <-ctx.Done():
			for _, cc := range contexts {
				cc.Stop()
			}
			c.emit(transport.LogEvent{Type: transport.LogConsumerShutdown, Reason: "context cancelled"})
			return ctx.Err()
		case err := <-errCh:
			for _, cc := range contexts {
				cc.Stop()
			}
			jittered := transport.Jitter(backoff, 0.3)
			c.logger.Warn("consumer error, reconnecting", "error", err, "backoff", jittered)
			c.emit(transport.LogEvent{Type: transport.LogConsumeError, Reason: err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// decode rebuilds a message from NATS headers and payload.
func (c *client) decode(msg jetstream.Msg) *message.Message {
	headers := make(message.Header)
	for k, vs := range msg.Headers() {
		if len(vs) > 0 {
			headers.Set(k, vs[0])
		}
	}
	m := message.New(headers, msg.Data())
	if !m.Headers.Has(message.HeaderMessageID) {
		// Subject traffic not produced by this pipeline; quarantine it.
		m = transport.NewExceptionMessage(msg.Subject(), c.group, msg.Data(),
			errors.New("missing message headers"))
	}
	return m
}

// Commit acknowledges the delivery.
func (c *client) Commit(ctx context.Context, token any) error {
	msg, ok := token.(jetstream.Msg)
	if !ok {
		return transport.ErrInvalidToken
	}
	return msg.Ack()
}

// Reject negatively acknowledges the delivery for redelivery.
func (c *client) Reject(ctx context.Context, token any) error {
	msg, ok := token.(jetstream.Msg)
	if !ok {
		return transport.ErrInvalidToken
	}
	return msg.Nak()
}

// BrokerAddress returns the connected server URL.
func (c *client) BrokerAddress() string { return c.transport.BrokerAddress() }

// Close stops the client. Durable consumers survive for the next client of
// the same group.
func (c *client) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

func (c *client) emit(e transport.LogEvent) {
	if c.onLog != nil {
		c.onLog(e)
	}
}

var (
	_ transport.Transport      = (*Transport)(nil)
	_ transport.ConsumerClient = (*client)(nil)
)
