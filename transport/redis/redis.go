// Package redis provides a Redis Streams-based transport implementation.
//
// Messages are appended with XADD and consumed through consumer groups with
// XREADGROUP, giving at-least-once delivery: an entry stays in the group's
// pending list until XACK, and entries left pending by a dead consumer are
// reclaimed with XCLAIM after a minimum idle time.
package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/transport"
)

// Client is the subset of redis client operations the transport uses.
// Satisfied by *redis.Client.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Options() *redis.Options
}

// ErrClientRequired is returned when no redis client is provided.
var ErrClientRequired = errors.New("redis client is required")

// Default configuration
var (
	DefaultMaxLen        = int64(0) // unlimited
	DefaultClaimInterval = time.Minute
	DefaultClaimMinIdle  = 5 * time.Minute
)

// streamPrefix keeps engine streams from clashing with user data.
const streamPrefix = "cap:"

// bodyField is the stream field holding the message body. Header fields use
// the cap- prefix, so the names cannot collide.
const bodyField = "body"

// Transport implements transport.Transport using Redis Streams.
type Transport struct {
	status  int32
	client  Client
	logger  *slog.Logger
	onError func(error)

	maxLen        int64
	claimInterval time.Duration
	claimMinIdle  time.Duration
}

// Option configures the transport.
type Option func(*Transport)

// WithMaxLen sets approximate stream trimming (XADD MAXLEN ~).
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = n
		}
	}
}

// WithClaimInterval sets how often pending entries of dead consumers are
// scanned for claiming. Zero disables claiming.
func WithClaimInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.claimInterval = d
	}
}

// WithClaimMinIdle sets the minimum idle time before a pending entry may be
// claimed from another consumer.
func WithClaimMinIdle(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.claimMinIdle = d
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

// New creates a Redis Streams transport over a pre-initialized client.
// The caller owns the client and closes it after the transport.
func New(client Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}

	t := &Transport{
		status:        1,
		client:        client,
		logger:        transport.Logger("transport>redis"),
		onError:       func(error) {},
		maxLen:        DefaultMaxLen,
		claimInterval: DefaultClaimInterval,
		claimMinIdle:  DefaultClaimMinIdle,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

func streamName(topic string) string {
	return streamPrefix + topic
}

// Send appends the message to its topic stream. Headers become stream
// fields alongside the body field.
func (t *Transport) Send(ctx context.Context, m *message.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	topic := m.Name()
	if topic == "" {
		return transport.ErrNoTopic
	}

	values := make(map[string]interface{}, len(m.Headers)+1)
	for k, v := range m.Headers {
		values[k] = v
	}
	values[bodyField] = string(m.Body)

	args := &redis.XAddArgs{
		Stream: streamName(topic),
		Values: values,
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}

	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", m.ID())
	return nil
}

// BrokerAddress returns the redis endpoint.
func (t *Transport) BrokerAddress() string {
	if opts := t.client.Options(); opts != nil {
		return opts.Addr
	}
	return "redis"
}

// Create returns a consumer client bound to the consumer group.
// Each client gets a distinct consumer name within the group.
func (t *Transport) Create(group string) (transport.ConsumerClient, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}
	return &client{
		transport: t,
		group:     group,
		consumer:  group + "-" + transport.NewID(),
		logger:    t.logger.With("group", group),
	}, nil
}

// Close shuts down the transport. The redis client was passed in
// pre-initialized and stays open; the caller owns it.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}
	t.logger.Debug("transport closed")
	return nil
}

// client implements transport.ConsumerClient for one consumer group.
type client struct {
	transport *Transport
	group     string
	consumer  string
	logger    *slog.Logger
	streams   []string
	handler   transport.MessageHandler
	onLog     func(transport.LogEvent)
	closed    int32
}

// ackToken identifies one stream entry for XACK.
type ackToken struct {
	stream string
	id     string
}

// Subscribe creates the consumer group on each topic stream.
func (c *client) Subscribe(topics []string) error {
	if !c.transport.isOpen() {
		return transport.ErrTransportClosed
	}

	ctx := context.Background()
	for _, topic := range topics {
		stream := streamName(topic)
		err := c.transport.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
		c.streams = append(c.streams, stream)
	}
	return nil
}

// OnMessage sets the inbound handler.
func (c *client) OnMessage(h transport.MessageHandler) { c.handler = h }

// OnLog sets the health callback.
func (c *client) OnLog(f func(transport.LogEvent)) { c.onLog = f }

// Listening reads new entries until the context is cancelled. Entries that
// other consumers of the group left pending are claimed periodically.
func (c *client) Listening(ctx context.Context, pollTimeout time.Duration) error {
	if len(c.streams) == 0 {
		return transport.ErrNotSubscribed
	}

	// XREADGROUP wants each stream name followed by a position per stream.
	readStreams := make([]string, 0, len(c.streams)*2)
	readStreams = append(readStreams, c.streams...)
	for range c.streams {
		readStreams = append(readStreams, ">")
	}

	var lastClaim time.Time
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

		if c.transport.claimInterval > 0 && time.Since(lastClaim) >= c.transport.claimInterval {
			c.claimPending(ctx)
			lastClaim = time.Now()
		}

		streams, err := c.transport.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  readStreams,
			Count:    10,
			Block:    pollTimeout,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			jittered := transport.Jitter(backoff, 0.3)
			c.logger.Error("read error, retrying with backoff", "error", err, "backoff", jittered)
			c.emit(transport.LogEvent{Type: transport.LogConnectError, Reason: err.Error()})

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

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				c.deliver(ctx, stream.Stream, entry)
			}
		}
	}
}

// claimPending takes over entries other consumers of the group left idle.
func (c *client) claimPending(ctx context.Context) {
	for _, stream := range c.streams {
		pending, err := c.transport.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  c.group,
			Idle:   c.transport.claimMinIdle,
			Start:  "-",
			End:    "+",
			Count:  100,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			if p.Consumer == c.consumer {
				continue
			}
			ids = append(ids, p.ID)
		}
		if len(ids) == 0 {
			continue
		}

		claimed, err := c.transport.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.consumer,
			MinIdle:  c.transport.claimMinIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			c.logger.Error("claim error", "stream", stream, "error", err)
			continue
		}
		if len(claimed) > 0 {
			c.logger.Debug("claimed orphaned entries", "stream", stream, "count", len(claimed))
		}
		for _, entry := range claimed {
			c.deliver(ctx, stream, entry)
		}
	}
}

// deliver rebuilds a message from entry fields and hands it to the handler.
func (c *client) deliver(ctx context.Context, stream string, entry redis.XMessage) {
	if c.handler == nil {
		return
	}

	headers := make(message.Header, len(entry.Values))
	var body []byte
	for k, v := range entry.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == bodyField {
			body = []byte(s)
			continue
		}
		headers.Set(k, s)
	}

	m := message.New(headers, body)
	if !m.Headers.Has(message.HeaderMessageID) {
		// Stream traffic not produced by this pipeline; quarantine it.
		topic := strings.TrimPrefix(stream, streamPrefix)
		m = transport.NewExceptionMessage(topic, c.group, body,
			errors.New("missing message headers"))
	}

	c.handler(ctx, m, &ackToken{stream: stream, id: entry.ID})
}

// Commit acknowledges the entry with XACK.
func (c *client) Commit(ctx context.Context, token any) error {
	t, ok := token.(*ackToken)
	if !ok {
		return transport.ErrInvalidToken
	}
	return c.transport.client.XAck(ctx, t.stream, c.group, t.id).Err()
}

// Reject leaves the entry in the pending list so it is reclaimed after the
// minimum idle time.
func (c *client) Reject(ctx context.Context, token any) error {
	if _, ok := token.(*ackToken); !ok {
		return transport.ErrInvalidToken
	}
	return nil
}

// BrokerAddress returns the redis endpoint.
func (c *client) BrokerAddress() string { return c.transport.BrokerAddress() }

// Close stops the client. Pending entries are reclaimed by other consumers
// of the group.
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
