package capbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"syreclabs.com/go/faker"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
	"github.com/rbaliyan/capbus/storage/memory"
	"github.com/rbaliyan/capbus/transport"
	"github.com/rbaliyan/capbus/transport/channel"
)

func init() {
	faker.Seed(time.Now().UnixNano())
}

const waitTimeout = 3 * time.Second

// waitUntil polls cond until it holds or the timeout expires.
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// statusCount reads one status counter from the store.
func statusCount(t *testing.T, store storage.Store, table string, s message.Status) int64 {
	t.Helper()
	counts, err := store.Monitoring().Counts(context.Background(), table)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	return counts[s]
}

// fastRetry makes the background processors effectively immediate.
func fastRetry() []Option {
	return []Option{
		WithRetryInterval(10 * time.Millisecond),
		WithLookbackWindow(time.Nanosecond),
	}
}

// flakyTransport fails the first n sends, then delivers into sent. It has no
// consumer side; tests using it do not subscribe.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	sent     []*message.Message
}

func (f *flakyTransport) Send(ctx context.Context, m *message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker down")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *flakyTransport) BrokerAddress() string { return "test://flaky" }

func (f *flakyTransport) Create(group string) (transport.ConsumerClient, error) {
	return nil, errors.New("no consumer side")
}

func (f *flakyTransport) Close(ctx context.Context) error { return nil }

var _ transport.Transport = (*flakyTransport)(nil)

func (f *flakyTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func mustEncode(t *testing.T, m *message.Message) []byte {
	t.Helper()
	content, err := serializer.Encode(m)
	if err != nil {
		t.Fatal(err)
	}
	return content
}

type order struct {
	ID   string `json:"id"`
	Note string `json:"note"`
}

func TestPublishAndExecute(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	received := make(chan *message.Message, 1)
	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("order.created", func(ctx context.Context, m *message.Message) (any, error) {
		received <- m
		return nil, nil
	}, WithGroup("billing"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	want := order{ID: "o-1", Note: faker.Lorem().Sentence(3)}
	if err := bus.Publish(ctx, "order.created", want); err != nil {
		t.Fatal(err)
	}

	var got *message.Message
	select {
	case got = <-received:
	case <-time.After(waitTimeout):
		t.Fatal("handler not invoked")
	}

	var decoded order
	if err := json.Unmarshal(got.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded != want {
		t.Errorf("payload got %+v, want %+v", decoded, want)
	}
	if got.Name() != "order.created" {
		t.Errorf("topic got %q", got.Name())
	}
	if got.Group() != "billing.v1" {
		t.Errorf("group got %q", got.Group())
	}
	if got.ID() == "" {
		t.Error("message id is empty")
	}

	// Both sides settle at Succeeded.
	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TablePublished, message.StatusSucceeded) == 1 &&
			statusCount(t, store, storage.TableReceived, message.StatusSucceeded) == 1
	}, "rows did not reach Succeeded")
}

func TestDeliveryImmediatelyAfterStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var handled int32
	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("burst.topic", func(ctx context.Context, m *message.Message) (any, error) {
		atomic.AddInt32(&handled, 1)
		return nil, nil
	}, WithGroup("burst"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	// The subscription must be live the moment Start returns: with the
	// default scan intervals nothing rescues a send that fans out to
	// nobody, so any lost message fails the count below.
	const n = 5
	for i := 0; i < n; i++ {
		if err := bus.Publish(ctx, "burst.topic", order{ID: fmt.Sprintf("o-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	waitUntil(t, func() bool {
		return atomic.LoadInt32(&handled) == n &&
			statusCount(t, store, storage.TableReceived, message.StatusSucceeded) == n
	}, "not every message published at startup was delivered")
}

func TestStaleProcessingRowRecovered(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := &flakyTransport{}

	// A row left in Processing by a crashed instance: stored, marked, never
	// sent. The scan must hand it back to the sender.
	stuck := message.New(message.Header{
		message.HeaderMessageID:   "stuck-1",
		message.HeaderMessageName: "stuck.topic",
	}, []byte(`{}`))
	m, err := store.StoreMessage(ctx, "stuck.topic", mustEncode(t, stuck), nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ChangePublishState(ctx, m, message.StatusProcessing); err != nil {
		t.Fatal(err)
	}

	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(broker),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TablePublished, message.StatusSucceeded) == 1
	}, "orphaned processing row never recovered")
	if n := broker.sentCount(); n != 1 {
		t.Errorf("sent %d times, want 1", n)
	}
}

func TestSendRetryAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := &flakyTransport{failures: 2}

	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(broker),
		WithInlineRetries(0),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "flaky.topic", "payload"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TablePublished, message.StatusSucceeded) == 1
	}, "message never sent")

	if n := broker.sentCount(); n != 1 {
		t.Errorf("sent %d times, want 1", n)
	}

	// Two failed attempts are recorded on the row.
	rows, _, err := store.Monitoring().Messages(ctx, storage.TablePublished,
		storage.MessageQuery{Status: message.StatusSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Retries != 2 {
		t.Errorf("retries got %d, want 2", rows[0].Retries)
	}
}

func TestInlineRetriesAbsorbFailures(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := &flakyTransport{failures: 2}

	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(broker),
		WithInlineRetries(3),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "flaky.topic", "payload"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TablePublished, message.StatusSucceeded) == 1
	}, "message never sent")

	rows, _, err := store.Monitoring().Messages(ctx, storage.TablePublished,
		storage.MessageQuery{Status: message.StatusSucceeded})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].Retries != 0 {
		t.Errorf("inline retries leaked into the counter: got %d", rows[0].Retries)
	}
}

func TestExhaustedRetriesFireCallbackOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := &flakyTransport{failures: 1 << 30}

	var fired int32
	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(broker),
		WithInlineRetries(0),
		WithMaxRetries(3),
		WithFailedCallback(func(ctx context.Context, table string, m *message.Message) {
			if table != storage.TablePublished {
				t.Errorf("callback table got %q", table)
			}
			atomic.AddInt32(&fired, 1)
		}),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "doomed.topic", "payload"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return atomic.LoadInt32(&fired) >= 1
	}, "failure callback never fired")

	// Terminal rows have an expiry and stay Failed.
	rows, _, err := store.Monitoring().Messages(ctx, storage.TablePublished,
		storage.MessageQuery{Status: message.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d failed rows, want 1", len(rows))
	}
	if rows[0].ExpiresAt == nil {
		t.Error("terminal row has no expiry")
	}
	if rows[0].Retries != 3 {
		t.Errorf("retries got %d, want 3", rows[0].Retries)
	}

	// More scan rounds must not re-fire the callback or resurrect the row.
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("callback fired %d times, want 1", n)
	}
}

func TestRequeueRefiresFailedCallback(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	broker := &flakyTransport{failures: 1 << 30}

	var fired int32
	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(broker),
		WithInlineRetries(0),
		WithMaxRetries(2),
		WithFailedCallback(func(ctx context.Context, table string, m *message.Message) {
			atomic.AddInt32(&fired, 1)
		}),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "doomed.topic", "payload"); err != nil {
		t.Fatal(err)
	}
	waitUntil(t, func() bool {
		return atomic.LoadInt32(&fired) == 1
	}, "failure callback never fired")

	// An operator requeue resets the row; exhausting the retries a second
	// time is a fresh terminal settle and notifies again.
	rows, _, err := store.Monitoring().Messages(ctx, storage.TablePublished,
		storage.MessageQuery{Status: message.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d failed rows, want 1", len(rows))
	}
	if err := store.Monitoring().Requeue(ctx, storage.TablePublished, rows[0].DBID); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return atomic.LoadInt32(&fired) == 2
	}, "callback not re-fired after requeue")
}

func TestUnknownSerializerTagFallsBack(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	received := make(chan *message.Message, 1)
	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("tagged.topic", func(ctx context.Context, m *message.Message) (any, error) {
		received <- m
		return nil, nil
	}, WithGroup("tagged"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	want := order{ID: "o-9", Note: "still json"}
	if err := bus.Publish(ctx, "tagged.topic", want, WithSerializerTag("no-such-codec")); err != nil {
		t.Fatal(err)
	}

	var got *message.Message
	select {
	case got = <-received:
	case <-time.After(waitTimeout):
		t.Fatal("message not delivered")
	}

	// The unknown tag falls back to the default serializer, not Raw, so a
	// struct payload still encodes.
	if tag := got.Headers.Get(message.HeaderMessageType); tag != "json" {
		t.Errorf("serializer tag got %q, want %q", tag, "json")
	}
	var decoded order
	if err := json.Unmarshal(got.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded != want {
		t.Errorf("payload got %+v, want %+v", decoded, want)
	}
}

func TestMissingSubscriberQuarantines(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(channel.New()),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	// An inbox row whose route has no handler, as left behind by a handler
	// that was unregistered between deploys. The retry scan finds it.
	orphan := message.New(message.Header{
		message.HeaderMessageID:   "orphan-1",
		message.HeaderMessageName: "ghost.topic",
		message.HeaderGroup:       "ghost.group.v1",
	}, []byte(`{}`))
	content := mustEncode(t, orphan)
	if _, err := store.StoreReceivedMessage(ctx, "ghost.topic", "ghost.group.v1", content); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TableReceived, message.StatusFailed) == 1
	}, "orphan row not quarantined")

	rows, _, err := store.Monitoring().Messages(ctx, storage.TableReceived,
		storage.MessageQuery{Status: message.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].ExpiresAt == nil {
		t.Error("quarantined row has no retention expiry")
	}
	if rows[0].Retries != 0 {
		t.Errorf("quarantine must not burn retries, got %d", rows[0].Retries)
	}
}

func TestCallbackChaining(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	type question struct {
		X int `json:"x"`
	}
	type answer struct {
		Y int `json:"y"`
	}

	responses := make(chan *message.Message, 1)
	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("calc.request", func(ctx context.Context, m *message.Message) (any, error) {
		var q question
		if err := json.Unmarshal(m.Body, &q); err != nil {
			return nil, err
		}
		return answer{Y: q.X * 2}, nil
	}, WithGroup("calc"))
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("calc.response", func(ctx context.Context, m *message.Message) (any, error) {
		responses <- m
		return nil, nil
	}, WithGroup("calc"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "calc.request", question{X: 21}, WithCallback("calc.response")); err != nil {
		t.Fatal(err)
	}

	var resp *message.Message
	select {
	case resp = <-responses:
	case <-time.After(waitTimeout):
		t.Fatal("callback message not delivered")
	}

	var a answer
	if err := json.Unmarshal(resp.Body, &a); err != nil {
		t.Fatal(err)
	}
	if a.Y != 42 {
		t.Errorf("answer got %d, want 42", a.Y)
	}
	if resp.CorrelationID() == "" {
		t.Error("callback lacks correlation id")
	}
	if resp.CorrelationSequence() != 1 {
		t.Errorf("correlation sequence got %d, want 1", resp.CorrelationSequence())
	}
}

func TestDelayedPublish(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	received := make(chan time.Time, 1)
	bus, err := NewBus("test",
		WithStorage(store),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("slow.topic", func(ctx context.Context, m *message.Message) (any, error) {
		received <- time.Now()
		return nil, nil
	}, WithGroup("slow"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	const delay = 200 * time.Millisecond
	start := time.Now()
	if err := bus.Publish(ctx, "slow.topic", "later", WithDelay(delay)); err != nil {
		t.Fatal(err)
	}

	select {
	case at := <-received:
		if elapsed := at.Sub(start); elapsed < delay-20*time.Millisecond {
			t.Errorf("delivered after %v, want at least %v", elapsed, delay)
		}
	case <-time.After(waitTimeout):
		t.Fatal("delayed message never delivered")
	}
}

func TestPublishWithTxDeliveredByScan(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	received := make(chan struct{}, 1)
	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(channel.New()),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("tx.topic", func(ctx context.Context, m *message.Message) (any, error) {
		received <- struct{}{}
		return nil, nil
	}, WithGroup("tx"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	// The memory store has no real transactions; the point is the delivery
	// path: no immediate enqueue, the retry scan picks the row up.
	if err := bus.PublishWithTx(ctx, struct{}{}, "tx.topic", "payload"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-received:
	case <-time.After(waitTimeout):
		t.Fatal("transactional message never delivered")
	}
}

func TestHandlerFailureRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	var calls int32
	bus, err := NewBus("test", append(fastRetry(),
		WithStorage(store),
		WithTransport(channel.New()),
		WithInlineRetries(0),
	)...)
	if err != nil {
		t.Fatal(err)
	}
	err = bus.Subscribe("shaky.topic", func(ctx context.Context, m *message.Message) (any, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("not yet")
		}
		return nil, nil
	}, WithGroup("shaky"))
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)

	if err := bus.Publish(ctx, "shaky.topic", "payload"); err != nil {
		t.Fatal(err)
	}

	waitUntil(t, func() bool {
		return statusCount(t, store, storage.TableReceived, message.StatusSucceeded) == 1
	}, "handler never succeeded")

	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("handler called %d times, want 3", n)
	}
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	bus, err := NewBus("test",
		WithStorage(memory.New()),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}

	if s := bus.Status(ctx); s.Code != StatusUnhealthy {
		t.Errorf("status before start got %q", s.Code)
	}
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if s := bus.Status(ctx); s.Code != StatusHealthy {
		t.Errorf("status after start got %q", s.Code)
	}
	if err := bus.Health(ctx); err != nil {
		t.Errorf("health after start: %v", err)
	}
	if err := bus.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if s := bus.Status(ctx); s.Code != StatusUnhealthy {
		t.Errorf("status after close got %q", s.Code)
	}
	if err := bus.Start(ctx); !errors.Is(err, ErrBusClosed) {
		t.Errorf("restart after close got %v", err)
	}
}

func TestSubscribeValidation(t *testing.T) {
	bus, err := NewBus("test",
		WithStorage(memory.New()),
		WithTransport(channel.New()),
	)
	if err != nil {
		t.Fatal(err)
	}

	nop := func(ctx context.Context, m *message.Message) (any, error) { return nil, nil }

	if err := bus.Subscribe("", nop); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("empty topic got %v", err)
	}
	if err := bus.Subscribe("a.topic", nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("nil handler got %v", err)
	}
	if err := bus.Subscribe("a.topic", nop, WithGroup("g")); err != nil {
		t.Fatal(err)
	}
	if err := bus.Subscribe("a.topic", nop, WithGroup("g")); !errors.Is(err, ErrDuplicateSubscriber) {
		t.Errorf("duplicate got %v", err)
	}
	// Same topic, different group is a distinct route.
	if err := bus.Subscribe("a.topic", nop, WithGroup("h")); err != nil {
		t.Errorf("second group got %v", err)
	}

	ctx := context.Background()
	if err := bus.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer bus.Close(ctx)
	if err := bus.Subscribe("late.topic", nop); !errors.Is(err, ErrBusStarted) {
		t.Errorf("subscribe after start got %v", err)
	}
}

func TestNewBusValidation(t *testing.T) {
	if _, err := NewBus("test", WithTransport(channel.New())); !errors.Is(err, ErrStoreRequired) {
		t.Errorf("missing store got %v", err)
	}
	if _, err := NewBus("test", WithStorage(memory.New())); !errors.Is(err, ErrTransportRequired) {
		t.Errorf("missing transport got %v", err)
	}
}
