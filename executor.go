package capbus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
)

// callbackPublisher publishes a handler result as a chained message. The bus
// implements it; the indirection keeps the executor free of publish plumbing.
type callbackPublisher interface {
	publishCallback(ctx context.Context, origin *message.Message, topic string, value any) error
}

// executor drives inbox rows through the receive-side state machine:
// descriptor lookup, handler invocation with panic recovery, and the same
// retry ladder as the sender.
type executor struct {
	name      string
	store     storage.Store
	registry  *Registry
	publisher callbackPublisher
	opts      *Options
	logger    *slog.Logger
	metrics   *busMetrics
}

func newExecutor(name string, opts *Options, registry *Registry, publisher callbackPublisher, metrics *busMetrics) *executor {
	return &executor{
		name:      name,
		store:     opts.store,
		registry:  registry,
		publisher: publisher,
		opts:      opts,
		logger:    opts.logger.With("component", "executor"),
		metrics:   metrics,
	}
}

// handle processes one inbox row to a persisted next state.
func (e *executor) handle(ctx context.Context, task executeTask) {
	m := task.msg
	if m.Origin == nil {
		origin, err := serializer.Decode(m.Content)
		if err != nil {
			e.logger.Error("undecodable inbox row", "id", m.DBID, "error", err)
			e.terminate(ctx, m, err)
			return
		}
		m.Origin = origin
	}

	topic := m.Origin.Name()
	group := m.Origin.Group()

	desc := task.desc
	if desc == nil {
		var ok bool
		desc, ok = e.registry.Lookup(topic, group)
		if !ok {
			// Nothing can execute this row until a subscriber exists, so
			// retrying is pointless. Terminal immediately, long retention
			// for inspection.
			e.logger.Error("subscriber not found", "id", m.DBID, "topic", topic, "group", group)
			e.terminate(ctx, m, &SubscriberNotFoundError{Topic: topic, Group: group})
			return
		}
	}

	if err := e.store.ChangeReceiveState(ctx, m, message.StatusProcessing); err != nil {
		e.logger.Error("failed to mark processing", "id", m.DBID, "error", err)
		return
	}

	start := time.Now()
	result, err := e.invoke(ctx, desc, m.Origin)
	e.metrics.recordExecuted(ctx, topic, group, time.Since(start), err)

	if err == nil {
		exp := time.Now().Add(e.opts.succeedRetention)
		m.ExpiresAt = &exp
		if serr := e.store.ChangeReceiveState(ctx, m, message.StatusSucceeded); serr != nil {
			e.logger.Error("failed to mark succeeded", "id", m.DBID, "error", serr)
		}
		e.logger.Debug("message executed", "id", m.DBID, "topic", topic, "group", group, "retries", m.Retries)

		if cb := m.Origin.CallbackName(); cb != "" && result != nil && e.publisher != nil {
			if perr := e.publisher.publishCallback(ctx, m.Origin, cb, result); perr != nil {
				// The execution already succeeded; the lost callback is
				// logged, not retried, to keep execution idempotent.
				e.logger.Error("callback publish failed", "id", m.DBID, "callback", cb, "error", perr)
			}
		}
		return
	}

	m.Retries++
	e.logger.Warn("execute failed", "id", m.DBID, "topic", topic, "group", group,
		"retries", m.Retries, "max", e.opts.maxRetries, "error", err)

	if m.Retries >= e.opts.maxRetries {
		e.terminate(ctx, m, &ExecuteError{MsgID: m.Origin.ID(), Topic: topic, Group: group, Err: err})
		return
	}

	if serr := e.store.ChangeReceiveState(ctx, m, message.StatusFailed); serr != nil {
		e.logger.Error("failed to mark failed", "id", m.DBID, "error", serr)
	}
}

// invoke runs the handler with inline immediate retries, panic recovery and
// an optional consumer span.
func (e *executor) invoke(ctx context.Context, desc *ConsumerExecutorDescriptor, origin *message.Message) (any, error) {
	var result any
	op := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
			}
		}()

		if !e.opts.tracingEnabled {
			result, err = desc.Handler(ctx, origin)
			return err
		}

		tracer := otel.Tracer(e.name)
		sctx, span := tracer.Start(ctx, desc.TopicName+".execute",
			trace.WithAttributes(
				attribute.String("messaging.message.id", origin.ID()),
				attribute.String("messaging.destination.name", desc.TopicName),
				attribute.String("messaging.consumer.group.name", desc.Group)),
			trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		result, err = desc.Handler(sctx, origin)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	err := backoff.Retry(op, inlineBackOff(ctx, e.opts.inlineRetries))
	return result, err
}

// terminate parks the row as terminal Failed and fires the failure callback.
// Settled rows leave the retry scan, so the callback runs once per terminal
// settle; a requeued row that exhausts its retries again fires again.
func (e *executor) terminate(ctx context.Context, m *message.MediumMessage, cause error) {
	if m.Origin != nil {
		m.Origin.Headers.Set(message.HeaderException, cause.Error())
		if content, err := serializer.Encode(m.Origin); err == nil {
			m.Content = content
		}
	}
	exp := time.Now().Add(e.opts.failedRetention)
	m.ExpiresAt = &exp
	if err := e.store.ChangeReceiveState(ctx, m, message.StatusFailed); err != nil {
		e.logger.Error("failed to mark terminal failure", "id", m.DBID, "error", err)
		return
	}
	e.logger.Error("message failed terminally", "id", m.DBID, "retries", m.Retries, "cause", cause)

	if e.opts.failedCallback == nil || m.Origin == nil {
		return
	}
	e.opts.failedCallback(ctx, storage.TableReceived, m.Origin)
}
