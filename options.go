package capbus

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/snowflake"
	"github.com/rbaliyan/capbus/storage"
	"github.com/rbaliyan/capbus/transport"
)

// Defaults
var (
	// DefaultMaxRetries is the retry ceiling per message.
	DefaultMaxRetries = 50
	// DefaultInlineRetries is how many immediate attempts a sender or
	// executor makes before parking the message for the retry scan.
	DefaultInlineRetries = 3
	// DefaultRetryInterval is the period of the retry scan.
	DefaultRetryInterval = time.Minute
	// DefaultLookbackWindow keeps the retry scan away from rows younger
	// than this, so a live sender is not raced by the scanner.
	DefaultLookbackWindow = 4 * time.Minute
	// DefaultRetryBatch caps how many rows one retry scan picks up.
	DefaultRetryBatch = 200
	// DefaultCollectInterval is the period of the expired-row collector.
	DefaultCollectInterval = 5 * time.Minute
	// DefaultDeleteBatch caps rows removed per collector round trip.
	DefaultDeleteBatch = 1000
	// DefaultSucceedRetention is how long Succeeded rows are kept.
	DefaultSucceedRetention = 24 * time.Hour
	// DefaultFailedRetention is how long terminal Failed rows are kept.
	DefaultFailedRetention = 15 * 24 * time.Hour
	// DefaultConsumerThreads is the number of consumer clients per group.
	DefaultConsumerThreads = 1
	// DefaultPollTimeout bounds how long a consumer client blocks between
	// cancellation checks.
	DefaultPollTimeout = 2 * time.Second
	// DefaultPublishBuffer is the dispatcher publish queue depth.
	DefaultPublishBuffer = 1024
	// DefaultExecuteBuffer is the dispatcher execute queue depth.
	DefaultExecuteBuffer = 256
	// DefaultSenderThreads is the number of goroutines draining the
	// publish queue.
	DefaultSenderThreads = 1
	// DefaultExecutorThreads is the number of goroutines draining the
	// execute queue.
	DefaultExecutorThreads = 1
)

// FailedCallback is invoked once per message when its retries are exhausted.
// table is storage.TablePublished or storage.TableReceived.
type FailedCallback func(ctx context.Context, table string, m *message.Message)

// Options holds bus configuration.
type Options struct {
	store       storage.Store
	transport   transport.Transport
	serializers *serializer.Registry
	idgen       *snowflake.Generator
	limiter     *rate.Limiter
	logger      *slog.Logger

	topicPrefix  string
	defaultGroup string
	version      string

	maxRetries      int
	inlineRetries   int
	retryInterval   time.Duration
	lookbackWindow  time.Duration
	retryBatch      int
	collectInterval time.Duration
	deleteBatch     int

	succeedRetention time.Duration
	failedRetention  time.Duration

	consumerThreads int
	pollTimeout     time.Duration
	publishBuffer   int
	executeBuffer   int
	senderThreads   int
	executorThreads int

	failedCallback FailedCallback

	tracingEnabled bool
	metricsEnabled bool
}

// Option configures a Bus.
type Option func(*Options)

func newOptions(opts ...Option) *Options {
	o := &Options{
		logger:           slog.Default(),
		version:          "v1",
		maxRetries:       DefaultMaxRetries,
		inlineRetries:    DefaultInlineRetries,
		retryInterval:    DefaultRetryInterval,
		lookbackWindow:   DefaultLookbackWindow,
		retryBatch:       DefaultRetryBatch,
		collectInterval:  DefaultCollectInterval,
		deleteBatch:      DefaultDeleteBatch,
		succeedRetention: DefaultSucceedRetention,
		failedRetention:  DefaultFailedRetention,
		consumerThreads:  DefaultConsumerThreads,
		pollTimeout:      DefaultPollTimeout,
		publishBuffer:    DefaultPublishBuffer,
		executeBuffer:    DefaultExecuteBuffer,
		senderThreads:    DefaultSenderThreads,
		executorThreads:  DefaultExecutorThreads,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.serializers == nil {
		o.serializers = serializer.NewRegistry()
	}
	return o
}

// WithStorage sets the message store. Required.
func WithStorage(s storage.Store) Option {
	return func(o *Options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithTransport sets the broker transport. Required.
func WithTransport(t transport.Transport) Option {
	return func(o *Options) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithSerializers sets the serializer registry. Defaults to a registry with
// JSON default and msgpack, protobuf and raw variants.
func WithSerializers(r *serializer.Registry) Option {
	return func(o *Options) {
		if r != nil {
			o.serializers = r
		}
	}
}

// WithIDGenerator sets the snowflake generator. Defaults to the process-wide
// generator.
func WithIDGenerator(g *snowflake.Generator) Option {
	return func(o *Options) {
		if g != nil {
			o.idgen = g
		}
	}
}

// WithTopicPrefix prepends a namespace to every published and subscribed
// topic.
func WithTopicPrefix(prefix string) Option {
	return func(o *Options) {
		o.topicPrefix = prefix
	}
}

// WithDefaultGroup sets the consumer group used by subscriptions that do not
// name one. Defaults to "cap.queue.<busname>".
func WithDefaultGroup(group string) Option {
	return func(o *Options) {
		if group != "" {
			o.defaultGroup = group
		}
	}
}

// WithVersion sets the version suffix appended to consumer group names, so
// mixed deployments keep their inboxes apart. Default "v1".
func WithVersion(v string) Option {
	return func(o *Options) {
		if v != "" {
			o.version = v
		}
	}
}

// WithMaxRetries sets the retry ceiling per message.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithInlineRetries sets how many immediate attempts are made before the
// message is parked for the scheduled retry scan. Zero parks on the first
// failure.
func WithInlineRetries(n int) Option {
	return func(o *Options) {
		if n >= 0 {
			o.inlineRetries = n
		}
	}
}

// WithRetryInterval sets the retry scan period.
func WithRetryInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithLookbackWindow sets how old a row must be before the retry scan picks
// it up. Must exceed the longest plausible in-flight send or execute, or the
// scan will double-enqueue live messages.
func WithLookbackWindow(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.lookbackWindow = d
		}
	}
}

// WithRetryBatch caps rows per retry scan.
func WithRetryBatch(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.retryBatch = n
		}
	}
}

// WithCollectInterval sets the expired-row collector period.
func WithCollectInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.collectInterval = d
		}
	}
}

// WithDeleteBatch caps rows deleted per collector round trip.
func WithDeleteBatch(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.deleteBatch = n
		}
	}
}

// WithSucceedRetention sets how long Succeeded rows are kept before the
// collector removes them.
func WithSucceedRetention(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.succeedRetention = d
		}
	}
}

// WithFailedRetention sets how long terminal Failed rows are kept.
func WithFailedRetention(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.failedRetention = d
		}
	}
}

// WithConsumerThreads sets the number of consumer clients per group.
func WithConsumerThreads(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.consumerThreads = n
		}
	}
}

// WithPollTimeout bounds how long a consumer client blocks between
// cancellation checks.
func WithPollTimeout(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.pollTimeout = d
		}
	}
}

// WithSenderThreads sets the goroutines draining the publish queue.
func WithSenderThreads(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.senderThreads = n
		}
	}
}

// WithExecutorThreads sets the goroutines draining the execute queue.
func WithExecutorThreads(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.executorThreads = n
		}
	}
}

// WithFailedCallback sets the callback fired when a message exhausts its
// retries: once per terminal settle, so a requeued message that fails
// terminally again notifies again.
func WithFailedCallback(fn FailedCallback) Option {
	return func(o *Options) {
		if fn != nil {
			o.failedCallback = fn
		}
	}
}

// WithRateLimit throttles outbound sends to n per second with the given
// burst. Zero or negative n disables the limiter.
func WithRateLimit(n float64, burst int) Option {
	return func(o *Options) {
		if n > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(n), burst)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around publish and execute.
func WithTracing(enabled bool) Option {
	return func(o *Options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables OpenTelemetry counters and histograms.
func WithMetrics(enabled bool) Option {
	return func(o *Options) {
		o.metricsEnabled = enabled
	}
}
