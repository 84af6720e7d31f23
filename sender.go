package capbus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
	"github.com/rbaliyan/capbus/transport"
)

// sender drives outbox rows through the send state machine. Rows arrive
// from Publish (freshly stored), from the scheduler (delayed) and from the
// retry scan (parked failures). Every transition is persisted before the
// next step, so a crash resumes from the stored state.
type sender struct {
	name      string
	store     storage.Store
	transport transport.Sender
	opts      *Options
	logger    *slog.Logger
	metrics   *busMetrics

	// reschedule parks a not-yet-due delayed message back in the
	// scheduler. Set by the bus at startup.
	reschedule func(m *message.MediumMessage, due time.Time)
}

func newSender(name string, opts *Options, metrics *busMetrics) *sender {
	return &sender{
		name:      name,
		store:     opts.store,
		transport: opts.transport,
		opts:      opts,
		logger:    opts.logger.With("component", "sender"),
		metrics:   metrics,
	}
}

// handle processes one outbox row to a persisted next state. It never
// returns an error; failures are persisted on the row itself. The return
// reports whether the row went back to the scheduler and stays in custody.
func (s *sender) handle(ctx context.Context, m *message.MediumMessage) (retained bool) {
	if m.Origin == nil {
		origin, err := serializer.Decode(m.Content)
		if err != nil {
			// A row this instance cannot decode will fail on every
			// instance; quarantine it instead of burning retries.
			s.logger.Error("undecodable outbox row", "id", m.DBID, "error", err)
			s.terminate(ctx, m, err)
			return false
		}
		m.Origin = origin
	}

	// A delayed message picked up early by the retry scan goes back to
	// the scheduler until due.
	if due, ok := m.Origin.DelayTime(); ok && due.After(time.Now()) && s.reschedule != nil {
		s.reschedule(m, due)
		return true
	}

	if err := s.store.ChangePublishState(ctx, m, message.StatusProcessing); err != nil {
		s.logger.Error("failed to mark processing", "id", m.DBID, "error", err)
		return false
	}

	if s.opts.limiter != nil {
		if err := s.opts.limiter.Wait(ctx); err != nil {
			// Shutting down: hand the row straight back to the retry scan
			// instead of leaving it to age out as a Processing orphan.
			if serr := s.store.ChangePublishState(context.WithoutCancel(ctx), m, message.StatusScheduled); serr != nil {
				s.logger.Error("failed to unwind processing state", "id", m.DBID, "error", serr)
			}
			return false
		}
	}

	start := time.Now()
	err := s.send(ctx, m.Origin)
	s.metrics.recordPublished(ctx, m.Origin.Name(), time.Since(start), err)

	if err == nil {
		exp := time.Now().Add(s.opts.succeedRetention)
		m.ExpiresAt = &exp
		if serr := s.store.ChangePublishState(ctx, m, message.StatusSucceeded); serr != nil {
			s.logger.Error("failed to mark succeeded", "id", m.DBID, "error", serr)
		}
		s.logger.Debug("message sent", "id", m.DBID, "topic", m.Origin.Name(), "retries", m.Retries)
		return false
	}

	m.Retries++
	s.logger.Warn("send failed", "id", m.DBID, "topic", m.Origin.Name(),
		"retries", m.Retries, "max", s.opts.maxRetries, "error", err)

	if m.Retries >= s.opts.maxRetries {
		s.terminate(ctx, m, fmt.Errorf("%w: %w", ErrPublishFailed, err))
		return false
	}

	// Parked for the retry scan: Failed, no expiry, retries below ceiling.
	if serr := s.store.ChangePublishState(ctx, m, message.StatusFailed); serr != nil {
		s.logger.Error("failed to mark failed", "id", m.DBID, "error", serr)
	}
	return false
}

// send makes the broker delivery with inline immediate retries and an
// optional producer span.
func (s *sender) send(ctx context.Context, origin *message.Message) error {
	op := func() error {
		if !s.opts.tracingEnabled {
			return s.transport.Send(ctx, origin)
		}
		tracer := otel.Tracer(s.name)
		sctx, span := tracer.Start(ctx, origin.Name()+".send",
			trace.WithAttributes(
				attribute.String("messaging.message.id", origin.ID()),
				attribute.String("messaging.destination.name", origin.Name()),
				attribute.String("messaging.system", s.transport.BrokerAddress())),
			trace.WithSpanKind(trace.SpanKindProducer))
		defer span.End()
		err := s.transport.Send(sctx, origin)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
	return backoff.Retry(op, inlineBackOff(ctx, s.opts.inlineRetries))
}

// terminate parks the row as terminal Failed with the failure retention and
// fires the failure callback. Settled rows leave the retry scan, so the
// callback runs once per terminal settle; a requeued row that exhausts its
// retries again fires again.
func (s *sender) terminate(ctx context.Context, m *message.MediumMessage, cause error) {
	if m.Origin != nil {
		m.Origin.Headers.Set(message.HeaderException, cause.Error())
		if content, err := serializer.Encode(m.Origin); err == nil {
			m.Content = content
		}
	}
	exp := time.Now().Add(s.opts.failedRetention)
	m.ExpiresAt = &exp
	if err := s.store.ChangePublishState(ctx, m, message.StatusFailed); err != nil {
		s.logger.Error("failed to mark terminal failure", "id", m.DBID, "error", err)
		return
	}
	s.logger.Error("message failed terminally", "id", m.DBID, "retries", m.Retries, "cause", cause)

	if s.opts.failedCallback == nil || m.Origin == nil {
		return
	}
	s.opts.failedCallback(ctx, storage.TablePublished, m.Origin)
}
