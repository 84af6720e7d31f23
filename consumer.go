package capbus

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
	"github.com/rbaliyan/capbus/transport"
)

// consumerRegister owns the consumer clients of one group: it subscribes the
// group's topics, persists every delivery before acknowledging it, and hands
// the stored row to the executor pool.
//
// The register is self-healing: when Listening fails it closes the client,
// backs off with jitter and builds a fresh one. The unhealthy flag is
// visible through Bus.Status while a rebuild is in progress.
type consumerRegister struct {
	group      string
	topics     []string
	factory    transport.ClientFactory
	store      storage.Store
	dispatcher *dispatcher
	registry   *Registry
	opts       *Options
	logger     *slog.Logger
	metrics    *busMetrics

	unhealthy int32
}

func newConsumerRegister(group string, topics []string, opts *Options, d *dispatcher, reg *Registry, metrics *busMetrics) *consumerRegister {
	return &consumerRegister{
		group:      group,
		topics:     topics,
		factory:    opts.transport,
		store:      opts.store,
		dispatcher: d,
		registry:   reg,
		opts:       opts,
		logger:     opts.logger.With("component", "consumer", "group", group),
		metrics:    metrics,
	}
}

// Healthy reports whether the register currently has a listening client.
func (r *consumerRegister) Healthy() bool {
	return atomic.LoadInt32(&r.unhealthy) == 0
}

// connect builds a client and subscribes the group's topics, ready for its
// listen loop.
func (r *consumerRegister) connect() (transport.ConsumerClient, error) {
	client, err := r.factory.Create(r.group)
	if err != nil {
		return nil, err
	}
	if err := client.Subscribe(r.topics); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// run keeps one consumer client listening until the context is cancelled.
// A pre-connected client, when given, serves the first listen; rebuilds
// make their own.
func (r *consumerRegister) run(ctx context.Context, client transport.ConsumerClient) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := r.listenOnce(ctx, client)
		client = nil
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		atomic.StoreInt32(&r.unhealthy, 1)
		jittered := transport.Jitter(backoff, 0.3)
		r.logger.Error("consumer client failed, rebuilding", "error", err, "backoff", jittered)

		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// listenOnce connects if needed and blocks in the client's listen loop.
func (r *consumerRegister) listenOnce(ctx context.Context, client transport.ConsumerClient) error {
	if client == nil {
		var err error
		client, err = r.connect()
		if err != nil {
			return err
		}
	}
	defer client.Close()

	client.OnMessage(func(ctx context.Context, m *message.Message, token any) {
		r.onMessage(ctx, client, m, token)
	})
	client.OnLog(func(e transport.LogEvent) {
		switch e.Type {
		case transport.LogConnectError:
			atomic.StoreInt32(&r.unhealthy, 1)
		case transport.LogConsumeError:
			r.logger.Warn("consume error", "reason", e.Reason)
		}
	})

	atomic.StoreInt32(&r.unhealthy, 0)
	r.logger.Debug("consumer listening", "topics", r.topics, "broker", client.BrokerAddress())
	return client.Listening(ctx, r.opts.pollTimeout)
}

// onMessage persists one delivery and acknowledges it. The ack happens only
// after the row is durable; a crash in between causes redelivery, and the
// at-least-once overlap is absorbed by the executor's state machine, not by
// dropping data here.
func (r *consumerRegister) onMessage(ctx context.Context, client transport.ConsumerClient, m *message.Message, token any) {
	if m.HasException() {
		r.storeException(ctx, client, m, token)
		return
	}

	m.Headers.Set(message.HeaderGroup, r.group)
	content, err := serializer.Encode(m)
	if err != nil {
		// Headers came off the wire; an unencodable envelope is malformed
		// input, not a transient fault.
		m.Headers.Set(message.HeaderException, err.Error())
		r.storeException(ctx, client, m, token)
		return
	}

	medium, err := r.store.StoreReceivedMessage(ctx, m.Name(), r.group, content)
	if err != nil {
		r.logger.Error("failed to persist received message", "msg_id", m.ID(), "error", err)
		r.reject(ctx, client, token)
		return
	}
	medium.Origin = m

	r.commit(ctx, client, token)
	r.metrics.recordReceived(ctx, m.Name(), r.group)

	desc, _ := r.registry.Lookup(m.Name(), r.group)
	if err := r.dispatcher.EnqueueToExecute(ctx, executeTask{msg: medium, desc: desc}); err != nil {
		// Shutting down; the stored row is picked up by the retry scan.
		r.logger.Debug("execute enqueue aborted", "msg_id", m.ID(), "error", err)
	}
}

// storeException quarantines a poison delivery: persisted as terminal Failed
// for inspection, then acknowledged so the broker stops redelivering a
// payload that can never execute.
func (r *consumerRegister) storeException(ctx context.Context, client transport.ConsumerClient, m *message.Message, token any) {
	content, err := serializer.Encode(m)
	if err != nil {
		content = m.Body
	}
	if err := r.store.StoreReceivedExceptionMessage(ctx, m.Name(), r.group, content); err != nil {
		r.logger.Error("failed to quarantine message", "msg_id", m.ID(), "error", err)
		r.reject(ctx, client, token)
		return
	}
	r.logger.Warn("message quarantined", "msg_id", m.ID(), "topic", m.Name(),
		"exception", m.Headers.Get(message.HeaderException))
	r.commit(ctx, client, token)
}

func (r *consumerRegister) commit(ctx context.Context, client transport.ConsumerClient, token any) {
	if err := client.Commit(ctx, token); err != nil {
		r.logger.Error("commit failed", "error", err)
	}
}

func (r *consumerRegister) reject(ctx context.Context, client transport.ConsumerClient, token any) {
	if err := client.Reject(ctx, token); err != nil {
		r.logger.Error("reject failed", "error", err)
	}
}
