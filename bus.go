package capbus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/snowflake"
	"github.com/rbaliyan/capbus/transport"
)

// Bus lifecycle states
const (
	busCreated = int32(0)
	busRunning = int32(1)
	busClosed  = int32(2)
)

// DefaultBusName is used when NewBus is given an empty name.
var DefaultBusName = "capbus"

// StatusCode classifies bus health.
type StatusCode string

const (
	StatusHealthy   StatusCode = "healthy"
	StatusDegraded  StatusCode = "degraded"
	StatusUnhealthy StatusCode = "unhealthy"
)

// Status is a point-in-time health snapshot for probes and dashboards.
type Status struct {
	Code      StatusCode     `json:"code"`
	Message   string         `json:"message"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// IsHealthy returns true unless the status is unhealthy.
func (s *Status) IsHealthy() bool {
	return s.Code != StatusUnhealthy
}

// Bus is the message delivery engine: transactional outbox on the publish
// side, persist-then-ack inbox on the consume side, with retry and expiry
// processors keeping both tables converging.
type Bus struct {
	status   int32
	id       string
	name     string
	instance string

	opts       *Options
	idgen      *snowflake.Generator
	registry   *Registry
	dispatcher *dispatcher
	sender     *sender
	executor   *executor
	registers  []*consumerRegister
	metrics    *busMetrics
	logger     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewBus creates a bus. A store and a transport are required; everything
// else has defaults. The bus does no work until Start.
func NewBus(name string, opts ...Option) (*Bus, error) {
	if name == "" {
		name = DefaultBusName
	}

	o := newOptions(opts...)
	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if o.transport == nil {
		return nil, ErrTransportRequired
	}
	if o.defaultGroup == "" {
		o.defaultGroup = "cap.queue." + name
	}

	idgen := o.idgen
	if idgen == nil {
		idgen = snowflake.Default()
	}

	var metrics *busMetrics
	if o.metricsEnabled {
		metrics = newBusMetrics(name)
	}

	hostname, _ := os.Hostname()
	b := &Bus{
		status:     busCreated,
		id:         transport.NewID(),
		name:       name,
		instance:   hostname + "/" + transport.NewID(),
		opts:       o,
		idgen:      idgen,
		registry:   NewRegistry(),
		dispatcher: newDispatcher(o.publishBuffer, o.executeBuffer, o.logger),
		metrics:    metrics,
		logger:     o.logger.With("component", "bus>"+name),
		done:       make(chan struct{}),
	}
	b.sender = newSender(name, o, metrics)
	b.sender.reschedule = b.dispatcher.EnqueueToScheduler
	b.executor = newExecutor(name, o, b.registry, b, metrics)

	return b, nil
}

// ID returns the bus instance id.
func (b *Bus) ID() string { return b.id }

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Running reports whether the bus has been started and not closed.
func (b *Bus) Running() bool {
	return atomic.LoadInt32(&b.status) == busRunning
}

// publishOptions collects per-publish settings.
type publishOptions struct {
	headers       message.Header
	due           time.Time
	callback      string
	serializerTag string
}

// PublishOption configures one publish.
type PublishOption func(*publishOptions)

// WithHeaders merges custom headers onto the message. Engine-owned headers
// (id, name, type, sent time) cannot be overridden.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(message.Header, len(h))
		}
		for k, v := range h {
			o.headers.Set(k, v)
		}
	}
}

// WithHeader sets one custom header.
func WithHeader(key, value string) PublishOption {
	return func(o *publishOptions) {
		if o.headers == nil {
			o.headers = make(message.Header, 1)
		}
		o.headers.Set(key, value)
	}
}

// WithDelay holds delivery for the given duration.
func WithDelay(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.due = time.Now().Add(d)
		}
	}
}

// WithDelayUntil holds delivery until the given time.
func WithDelayUntil(t time.Time) PublishOption {
	return func(o *publishOptions) {
		o.due = t
	}
}

// WithCallback names the topic the subscriber's return value is published
// to, forming a chained request/response pair.
func WithCallback(topic string) PublishOption {
	return func(o *publishOptions) {
		o.callback = topic
	}
}

// WithSerializerTag selects the body serializer by registry tag for this
// publish. Unknown tags fall back to the registry default.
func WithSerializerTag(tag string) PublishOption {
	return func(o *publishOptions) {
		o.serializerTag = tag
	}
}

// Publish stores value as an outbox message on topic and queues it for
// delivery. The message is durable once Publish returns.
func (b *Bus) Publish(ctx context.Context, topic string, value any, opts ...PublishOption) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	return b.publish(ctx, nil, b.opts.topicPrefix+topic, value, opts...)
}

// PublishWithTx stores the outbox message inside the caller's database
// transaction: the message becomes durable if and only if the caller
// commits. Delivery happens through the retry scan after the commit, within
// the lookback window plus one retry interval.
//
// The accepted tx type is store-specific: *sql.Tx for the SQL stores,
// mongo.SessionContext for MongoDB.
func (b *Bus) PublishWithTx(ctx context.Context, tx any, topic string, value any, opts ...PublishOption) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	return b.publish(ctx, tx, b.opts.topicPrefix+topic, value, opts...)
}

// publish stores one message on the already-prefixed topic and, unless it is
// transactional or delayed, queues it for immediate send.
func (b *Bus) publish(ctx context.Context, tx any, topic string, value any, opts ...PublishOption) error {
	if atomic.LoadInt32(&b.status) == busClosed {
		return ErrBusClosed
	}

	var po publishOptions
	for _, opt := range opts {
		opt(&po)
	}

	ser := b.opts.serializers.Default()
	if po.serializerTag != "" {
		if s, ok := b.opts.serializers.Lookup(po.serializerTag); ok {
			ser = s
		}
	}

	var body []byte
	if value != nil {
		var err error
		body, err = ser.Serialize(value)
		if err != nil {
			return fmt.Errorf("serialize message for %q: %w", topic, err)
		}
	}

	id, err := b.idgen.NextString()
	if err != nil {
		return fmt.Errorf("generate message id: %w", err)
	}

	headers := po.headers
	if headers == nil {
		headers = make(message.Header, 6)
	}
	headers.Set(message.HeaderMessageID, id)
	headers.Set(message.HeaderMessageName, topic)
	headers.Set(message.HeaderMessageType, ser.Name())
	headers.Set(message.HeaderSentTime, time.Now().Format(time.RFC3339Nano))
	headers.Set(message.HeaderExecutionInstanceID, b.instance)
	if po.callback != "" {
		headers.Set(message.HeaderCallbackName, b.opts.topicPrefix+po.callback)
	}

	delayed := po.due.After(time.Now())
	if delayed {
		headers.Set(message.HeaderDelayTime, po.due.Format(time.RFC3339Nano))
	}

	msg := message.New(headers, body)
	content, err := serializer.Encode(msg)
	if err != nil {
		return err
	}

	medium, err := b.opts.store.StoreMessage(ctx, topic, content, tx)
	if err != nil {
		return fmt.Errorf("store message for %q: %w", topic, err)
	}
	medium.Origin = msg

	b.logger.Debug("message stored", "id", id, "topic", topic, "delayed", delayed, "tx", tx != nil)

	if tx != nil {
		// Not visible until the caller commits; the retry scan delivers.
		return nil
	}
	if delayed {
		b.dispatcher.EnqueueToScheduler(medium, po.due)
		return nil
	}
	return b.dispatcher.EnqueueToPublish(ctx, medium)
}

// publishCallback publishes a handler result to the callback topic with the
// correlation chain advanced by one.
func (b *Bus) publishCallback(ctx context.Context, origin *message.Message, topic string, value any) error {
	seq := origin.CorrelationSequence() + 1
	corr := origin.CorrelationID()
	if corr == "" {
		corr = origin.ID()
	}
	// topic was fully qualified when the callback header was written.
	return b.publish(ctx, nil, topic, value, WithHeaders(map[string]string{
		message.HeaderCorrelationID:       corr,
		message.HeaderCorrelationSequence: strconv.Itoa(seq),
	}))
}

// SubscribeOption configures one subscription.
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	group string
}

// WithGroup sets the consumer group for a subscription. Defaults to the
// bus default group.
func WithGroup(group string) SubscribeOption {
	return func(o *subscribeOptions) {
		if group != "" {
			o.group = group
		}
	}
}

// Subscribe registers a handler for a topic. Must be called before Start;
// the routing table is immutable while the bus runs. The effective group is
// the configured (or default) group with the version suffix applied.
func (b *Bus) Subscribe(topic string, handler Handler, opts ...SubscribeOption) error {
	switch atomic.LoadInt32(&b.status) {
	case busRunning:
		return ErrBusStarted
	case busClosed:
		return ErrBusClosed
	}

	so := subscribeOptions{group: b.opts.defaultGroup}
	for _, opt := range opts {
		opt(&so)
	}

	fullTopic := b.opts.topicPrefix + topic
	fullGroup := so.group + "." + b.opts.version
	return b.registry.Add(fullTopic, fullGroup, handler)
}

// Start spins up the dispatcher workers, consumer registers and background
// processors. Consumer subscriptions are established before Start returns,
// so a message published right after it already has somewhere to go; the
// work itself happens on bus-owned goroutines until Close.
func (b *Bus) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.status, busCreated, busRunning) {
		if atomic.LoadInt32(&b.status) == busClosed {
			return ErrBusClosed
		}
		return ErrBusStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	// Subscriptions come up before the first sender drains the publish
	// queue. A send that races a still-missing subscription would be
	// dropped by fan-out brokers and marked Succeeded regardless.
	for _, group := range b.registry.Groups() {
		register := newConsumerRegister(group, b.registry.Topics(group), b.opts, b.dispatcher, b.registry, b.metrics)
		b.registers = append(b.registers, register)
		client, err := register.connect()
		if err != nil {
			// The register rebuilds with backoff; meanwhile stored rows
			// wait on the retry scan.
			b.logger.Error("initial consumer connect failed", "group", group, "error", err)
			atomic.StoreInt32(&register.unhealthy, 1)
		}
		b.spawn(func() { register.run(runCtx, client) })
		for i := 1; i < b.opts.consumerThreads; i++ {
			b.spawn(func() { register.run(runCtx, nil) })
		}
	}

	b.spawn(func() { b.dispatcher.runScheduler(runCtx) })
	for i := 0; i < b.opts.senderThreads; i++ {
		b.spawn(func() { b.drainPublish(runCtx) })
	}
	for i := 0; i < b.opts.executorThreads; i++ {
		b.spawn(func() { b.drainExecute(runCtx) })
	}

	b.spawn(func() { newRetryProcessor(b.opts, b.dispatcher).run(runCtx) })
	b.spawn(func() { newCollectorProcessor(b.opts).run(runCtx) })

	go func() {
		b.wg.Wait()
		close(b.done)
	}()

	b.logger.Info("bus started", "groups", len(b.registers), "instance", b.instance)
	return nil
}

func (b *Bus) spawn(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *Bus) drainPublish(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-b.dispatcher.publishCh:
			if !b.sender.handle(ctx, m) {
				b.dispatcher.ReleasePublish(m)
			}
		}
	}
}

func (b *Bus) drainExecute(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-b.dispatcher.executeCh:
			b.executor.handle(ctx, task)
			b.dispatcher.ReleaseExecute(task)
		}
	}
}

// Close stops the bus and waits for its goroutines up to the context
// deadline, then closes the transport. Unsent stored messages are picked up
// by the retry scan on the next start.
func (b *Bus) Close(ctx context.Context) error {
	prev := atomic.SwapInt32(&b.status, busClosed)
	if prev == busClosed {
		return nil
	}
	if prev == busRunning && b.cancel != nil {
		b.cancel()
		select {
		case <-b.done:
		case <-ctx.Done():
			b.logger.Warn("close grace period expired", "error", ctx.Err())
		}
	}
	err := b.opts.transport.Close(ctx)
	b.logger.Info("bus closed")
	return err
}

// Status returns a health snapshot: unhealthy when closed, degraded when
// any consumer register is rebuilding its client.
func (b *Bus) Status(ctx context.Context) *Status {
	result := &Status{
		CheckedAt: time.Now(),
		Details:   make(map[string]any),
	}
	result.Details["bus_name"] = b.name
	result.Details["instance"] = b.instance

	if !b.Running() {
		result.Code = StatusUnhealthy
		result.Message = "bus is not running"
		return result
	}

	healthy := 0
	for _, r := range b.registers {
		if r.Healthy() {
			healthy++
		}
	}
	result.Details["consumer_groups"] = len(b.registers)
	result.Details["healthy_groups"] = healthy
	result.Details["scheduled_messages"] = b.dispatcher.ScheduledLen()
	result.Details["broker"] = b.opts.transport.BrokerAddress()

	if healthy < len(b.registers) {
		result.Code = StatusDegraded
		result.Message = fmt.Sprintf("%d/%d consumer groups connected", healthy, len(b.registers))
		return result
	}
	result.Code = StatusHealthy
	result.Message = "bus is healthy"
	return result
}

// Health returns nil when the bus is usable, or an error for probes.
func (b *Bus) Health(ctx context.Context) error {
	if s := b.Status(ctx); !s.IsHealthy() {
		return fmt.Errorf("%s", s.Message)
	}
	return nil
}

var _ callbackPublisher = (*Bus)(nil)
