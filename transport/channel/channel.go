// Package channel provides an in-memory transport implementation.
//
// Messages are delivered through Go channels within a single process: every
// consumer group subscribed to a topic receives each message once, and
// clients created for the same group compete for deliveries. Useful for
// tests and single-binary deployments; nothing survives a restart, so the
// durability of the pipeline comes entirely from the message store.
package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/transport"
)

// DefaultBufferSize is the per-group delivery buffer.
const DefaultBufferSize = 1024

// Transport implements transport.Transport over in-process channels.
type Transport struct {
	status int32
	mu     sync.RWMutex
	groups map[string]*group
	buffer int
	logger interface {
		Debug(msg string, args ...any)
	}
}

// group is one consumer group's delivery queue and topic set.
type group struct {
	name   string
	topics map[string]struct{}
	ch     chan *delivery
}

// delivery is the in-flight unit handed to handlers; it doubles as the
// commit token.
type delivery struct {
	msg   *message.Message
	group *group
}

// Option configures the transport.
type Option func(*Transport)

// WithBufferSize sets the per-group delivery buffer size.
func WithBufferSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// New creates an in-memory transport.
func New(opts ...Option) *Transport {
	t := &Transport{
		status: 1,
		groups: make(map[string]*group),
		buffer: DefaultBufferSize,
		logger: transport.Logger("transport>channel"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// Send delivers the message to every group subscribed to its topic. With no
// subscribers the message is dropped, matching broker semantics.
func (t *Transport) Send(ctx context.Context, m *message.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	topic := m.Name()
	if topic == "" {
		return transport.ErrNoTopic
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, g := range t.groups {
		if _, ok := g.topics[topic]; !ok {
			continue
		}
		select {
		case g.ch <- &delivery{msg: m, group: g}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// BrokerAddress returns the in-memory endpoint name.
func (t *Transport) BrokerAddress() string { return "channel://in-memory" }

// Create returns a consumer client for the group. Clients of the same group
// share one queue and compete for deliveries.
func (t *Transport) Create(name string) (transport.ConsumerClient, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	t.mu.Lock()
	g, ok := t.groups[name]
	if !ok {
		g = &group{
			name:   name,
			topics: make(map[string]struct{}),
			ch:     make(chan *delivery, t.buffer),
		}
		t.groups[name] = g
	}
	t.mu.Unlock()

	return &client{transport: t, group: g}, nil
}

// Close shuts down the transport. In-flight deliveries are dropped.
func (t *Transport) Close(ctx context.Context) error {
	atomic.StoreInt32(&t.status, 0)
	return nil
}

// client implements transport.ConsumerClient for one group.
type client struct {
	transport *Transport
	group     *group
	handler   transport.MessageHandler
	onLog     func(transport.LogEvent)
	closed    int32
}

// Subscribe adds topics to the group's set.
func (c *client) Subscribe(topics []string) error {
	if !c.transport.isOpen() {
		return transport.ErrTransportClosed
	}
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	for _, topic := range topics {
		c.group.topics[topic] = struct{}{}
	}
	return nil
}

// OnMessage sets the inbound handler.
func (c *client) OnMessage(h transport.MessageHandler) { c.handler = h }

// OnLog sets the health callback.
func (c *client) OnLog(f func(transport.LogEvent)) { c.onLog = f }

// Listening receives deliveries until the context is cancelled.
func (c *client) Listening(ctx context.Context, pollTimeout time.Duration) error {
	if len(c.group.topics) == 0 {
		return transport.ErrNotSubscribed
	}
	timer := time.NewTimer(pollTimeout)
	defer timer.Stop()

	for {
		if atomic.LoadInt32(&c.closed) == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			if c.onLog != nil {
				c.onLog(transport.LogEvent{Type: transport.LogConsumerShutdown, Reason: "context cancelled"})
			}
			return ctx.Err()
		case d := <-c.group.ch:
			if c.handler != nil {
				c.handler(ctx, d.msg, d)
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			// Poll tick: nothing pending, observe cancellation promptly.
		}
		timer.Reset(pollTimeout)
	}
}

// Commit acknowledges a delivery. In-memory queues have nothing to mark.
func (c *client) Commit(ctx context.Context, token any) error {
	if _, ok := token.(*delivery); !ok {
		return transport.ErrInvalidToken
	}
	return nil
}

// Reject requeues the delivery for another attempt.
func (c *client) Reject(ctx context.Context, token any) error {
	d, ok := token.(*delivery)
	if !ok {
		return transport.ErrInvalidToken
	}
	select {
	case d.group.ch <- d:
		return nil
	default:
		return transport.ErrTransportClosed
	}
}

// BrokerAddress returns the in-memory endpoint name.
func (c *client) BrokerAddress() string { return c.transport.BrokerAddress() }

// Close stops the client. The group queue stays for other clients.
func (c *client) Close() error {
	atomic.StoreInt32(&c.closed, 1)
	return nil
}

var (
	_ transport.Transport      = (*Transport)(nil)
	_ transport.ConsumerClient = (*client)(nil)
)
