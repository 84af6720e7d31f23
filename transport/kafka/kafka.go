// Package kafka provides a Kafka-based transport implementation.
//
// Messages are produced with the sync producer and consumed through consumer
// groups with explicit offset marking, giving at-least-once delivery. The
// engine commits an offset only after the received copy of the message has
// been persisted, so a crash between delivery and persistence results in
// redelivery, never loss.
//
// IMPORTANT: Auto-commit must be disabled in the sarama config. See New()
// for the required configuration.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/transport"
)

// Errors
var (
	ErrClientRequired    = errors.New("kafka client is required")
	ErrProducerFailed    = errors.New("failed to create kafka producer")
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
)

// Default topic configuration
var (
	DefaultPartitions  = int32(1)
	DefaultReplication = int16(1)
)

// Transport implements transport.Transport using Kafka.
type Transport struct {
	status   int32
	client   sarama.Client
	producer sarama.SyncProducer
	admin    sarama.ClusterAdmin
	logger   *slog.Logger
	onError  func(error)

	// Topic configuration
	partitions  int32
	replication int16
	retention   time.Duration

	topics sync.Map // map[string]struct{} - topics known to exist
}

// Option configures the Kafka transport.
type Option func(*Transport)

// WithPartitions sets the number of partitions for auto-created topics.
func WithPartitions(n int32) Option {
	return func(t *Transport) {
		if n > 0 {
			t.partitions = n
		}
	}
}

// WithReplication sets the replication factor for auto-created topics.
func WithReplication(n int16) Option {
	return func(t *Transport) {
		if n > 0 {
			t.replication = n
		}
	}
}

// WithRetention sets the retention time for auto-created topics.
// Maps to Kafka topic config "retention.ms". Zero uses the broker default.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
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

// New creates a Kafka transport with a pre-initialized client.
//
// Auto-commit must be disabled to ensure at-least-once delivery. With
// auto-commit enabled (the sarama default) offsets advance regardless of
// whether the message was persisted, which can lose messages on a crash.
//
// Required sarama.Config settings:
//
//	config := sarama.NewConfig()
//	config.Consumer.Offsets.AutoCommit.Enable = false  // REQUIRED
//	config.Producer.Return.Successes = true            // for SyncProducer
func New(client sarama.Client, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, ErrClientRequired
	}
	if client.Config().Consumer.Offsets.AutoCommit.Enable {
		return nil, ErrAutoCommitEnabled
	}

	t := &Transport{
		status:      1,
		client:      client,
		partitions:  DefaultPartitions,
		replication: DefaultReplication,
		logger:      transport.Logger("transport>kafka"),
		onError:     func(error) {},
	}
	for _, opt := range opts {
		opt(t)
	}

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		return nil, errors.Join(ErrProducerFailed, err)
	}
	t.producer = producer

	admin, err := sarama.NewClusterAdminFromClient(client)
	if err != nil {
		producer.Close()
		return nil, err
	}
	t.admin = admin

	return t, nil
}

func (t *Transport) isOpen() bool {
	return atomic.LoadInt32(&t.status) == 1
}

// ensureTopic creates the topic if it does not exist yet.
func (t *Transport) ensureTopic(topic string) error {
	if _, ok := t.topics.Load(topic); ok {
		return nil
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     t.partitions,
		ReplicationFactor: t.replication,
	}
	if t.retention > 0 {
		retentionMs := fmt.Sprintf("%d", t.retention.Milliseconds())
		detail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	err := t.admin.CreateTopic(topic, detail, false)
	if err != nil {
		var topicErr *sarama.TopicError
		if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
			err = nil
		}
	}
	if err != nil {
		return err
	}

	t.topics.Store(topic, struct{}{})
	t.logger.Debug("ensured topic", "topic", topic)
	return nil
}

// Send publishes the message to the topic named by its cap-msg-name header.
// Headers travel as Kafka record headers and the body as the record value.
func (t *Transport) Send(ctx context.Context, m *message.Message) error {
	if !t.isOpen() {
		return transport.ErrTransportClosed
	}
	topic := m.Name()
	if topic == "" {
		return transport.ErrNoTopic
	}
	if err := t.ensureTopic(topic); err != nil {
		return err
	}

	headers := make([]sarama.RecordHeader, 0, len(m.Headers))
	for k, v := range m.Headers {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	_, _, err := t.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(m.ID()),
		Value:   sarama.ByteEncoder(m.Body),
		Headers: headers,
	})
	if err != nil {
		t.onError(err)
		return err
	}

	t.logger.Debug("sent message", "topic", topic, "msg_id", m.ID())
	return nil
}

// BrokerAddress returns the configured broker list.
func (t *Transport) BrokerAddress() string {
	brokers := t.client.Brokers()
	addrs := make([]string, 0, len(brokers))
	for _, b := range brokers {
		addrs = append(addrs, b.Addr())
	}
	return strings.Join(addrs, ",")
}

// Create returns a consumer client bound to the consumer group.
func (t *Transport) Create(group string) (transport.ConsumerClient, error) {
	if !t.isOpen() {
		return nil, transport.ErrTransportClosed
	}

	consumer, err := sarama.NewConsumerGroupFromClient(group, t.client)
	if err != nil {
		return nil, err
	}

	return &client{
		transport: t,
		group:     group,
		consumer:  consumer,
		logger:    t.logger.With("group", group),
	}, nil
}

// Close shuts down the producer and admin client. The sarama client was
// passed in pre-initialized and stays open; the caller owns it.
func (t *Transport) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&t.status, 1, 0) {
		return nil
	}

	var errs []error
	if t.producer != nil {
		if err := t.producer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.admin != nil {
		if err := t.admin.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	t.logger.Debug("transport closed")
	return errors.Join(errs...)
}

// client implements transport.ConsumerClient over a sarama consumer group.
type client struct {
	transport *Transport
	group     string
	consumer  sarama.ConsumerGroup
	logger    *slog.Logger
	topics    []string
	handler   transport.MessageHandler
	onLog     func(transport.LogEvent)
	closed    int32
}

// commitToken pairs a consumed record with the session that can mark it.
type commitToken struct {
	session sarama.ConsumerGroupSession
	record  *sarama.ConsumerMessage
}

// Subscribe records the topics to consume and creates them if needed.
func (c *client) Subscribe(topics []string) error {
	if !c.transport.isOpen() {
		return transport.ErrTransportClosed
	}
	for _, topic := range topics {
		if err := c.transport.ensureTopic(topic); err != nil {
			return err
		}
	}
	c.topics = append(c.topics, topics...)
	return nil
}

// OnMessage sets the inbound handler.
func (c *client) OnMessage(h transport.MessageHandler) { c.handler = h }

// OnLog sets the health callback.
func (c *client) OnLog(f func(transport.LogEvent)) { c.onLog = f }

// Listening joins the consumer group and consumes until the context is
// cancelled. Consume errors are retried with exponential backoff.
func (c *client) Listening(ctx context.Context, pollTimeout time.Duration) error {
	if len(c.topics) == 0 {
		return transport.ErrNotSubscribed
	}

	handler := &groupHandler{client: c}
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

		if err := c.consumer.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			jittered := transport.Jitter(backoff, 0.3)
			c.logger.Error("consumer error, retrying with backoff", "error", err, "backoff", jittered)
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
		// Rebalance completed; rejoin with backoff reset.
		backoff = 100 * time.Millisecond
	}
}

// Commit marks the record's offset and commits it. Only called after the
// received copy has been persisted.
func (c *client) Commit(ctx context.Context, token any) error {
	t, ok := token.(*commitToken)
	if !ok {
		return transport.ErrInvalidToken
	}
	t.session.MarkMessage(t.record, "")
	t.session.Commit()
	return nil
}

// Reject leaves the offset unmarked so the record is redelivered after a
// rebalance or restart.
func (c *client) Reject(ctx context.Context, token any) error {
	if _, ok := token.(*commitToken); !ok {
		return transport.ErrInvalidToken
	}
	return nil
}

// BrokerAddress returns the configured broker list.
func (c *client) BrokerAddress() string { return c.transport.BrokerAddress() }

// Close leaves the consumer group.
func (c *client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	return c.consumer.Close()
}

func (c *client) emit(e transport.LogEvent) {
	if c.onLog != nil {
		c.onLog(e)
	}
}

// groupHandler implements sarama.ConsumerGroupHandler.
type groupHandler struct {
	client *client
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if h.client.handler == nil {
				continue
			}

			m := recordToMessage(record)
			if !m.Headers.Has(message.HeaderMessageID) {
				// A record without engine headers did not come from this
				// pipeline; surface it for quarantine instead of looping.
				m = transport.NewExceptionMessage(record.Topic, h.client.group, record.Value,
					fmt.Errorf("missing message headers at partition %d offset %d", record.Partition, record.Offset))
			}

			token := &commitToken{session: session, record: record}
			h.client.handler(session.Context(), m, token)
		}
	}
}

// recordToMessage rebuilds a message from record headers and value.
func recordToMessage(record *sarama.ConsumerMessage) *message.Message {
	headers := make(message.Header, len(record.Headers))
	for _, rh := range record.Headers {
		headers.Set(string(rh.Key), string(rh.Value))
	}
	return &message.Message{
		Headers: headers,
		Body:    record.Value,
	}
}

var (
	_ transport.Transport      = (*Transport)(nil)
	_ transport.ConsumerClient = (*client)(nil)
)
