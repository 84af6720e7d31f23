package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/transport"
)

func testMessage(id, topic string) *message.Message {
	return message.New(message.Header{
		message.HeaderMessageID:   id,
		message.HeaderMessageName: topic,
	}, []byte("body"))
}

// collect runs a listening client and forwards deliveries to out.
func collect(t *testing.T, ctx context.Context, c transport.ConsumerClient, out chan<- *message.Message) {
	t.Helper()
	c.OnMessage(func(ctx context.Context, m *message.Message, token any) {
		if err := c.Commit(ctx, token); err != nil {
			t.Errorf("commit: %v", err)
		}
		out <- m
	})
	go func() {
		if err := c.Listening(ctx, 10*time.Millisecond); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("listening: %v", err)
		}
	}()
}

func TestFanOutAcrossGroups(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New()
	defer tr.Close(ctx)

	groups := []string{"billing", "shipping"}
	out := make(chan *message.Message, len(groups))
	for _, g := range groups {
		c, err := tr.Create(g)
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Subscribe([]string{"orders"}); err != nil {
			t.Fatal(err)
		}
		collect(t, ctx, c, out)
	}

	if err := tr.Send(ctx, testMessage("1", "orders")); err != nil {
		t.Fatal(err)
	}

	// Each group gets its own copy.
	for i := 0; i < len(groups); i++ {
		select {
		case m := <-out:
			if m.ID() != "1" {
				t.Errorf("got id %q", m.ID())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("delivery missing")
		}
	}
	select {
	case <-out:
		t.Fatal("extra delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCompetingConsumersShareQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New()
	defer tr.Close(ctx)

	out := make(chan *message.Message, 10)
	for i := 0; i < 2; i++ {
		c, err := tr.Create("workers")
		if err != nil {
			t.Fatal(err)
		}
		if err := c.Subscribe([]string{"jobs"}); err != nil {
			t.Fatal(err)
		}
		collect(t, ctx, c, out)
	}

	const n = 6
	for i := 0; i < n; i++ {
		if err := tr.Send(ctx, testMessage("x", "jobs")); err != nil {
			t.Fatal(err)
		}
	}

	// Exactly n deliveries total across both clients.
	for i := 0; i < n; i++ {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}
	select {
	case <-out:
		t.Fatal("duplicate delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWithoutSubscribersDrops(t *testing.T) {
	ctx := context.Background()
	tr := New()
	defer tr.Close(ctx)

	if err := tr.Send(ctx, testMessage("1", "nobody-listens")); err != nil {
		t.Errorf("send without subscribers got %v", err)
	}
}

func TestRejectRequeues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := New()
	defer tr.Close(ctx)

	c, err := tr.Create("g")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	attempts := 0
	redelivered := make(chan struct{})
	c.OnMessage(func(ctx context.Context, m *message.Message, token any) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			if err := c.Reject(ctx, token); err != nil {
				t.Errorf("reject: %v", err)
			}
			return
		}
		if err := c.Commit(ctx, token); err != nil {
			t.Errorf("commit: %v", err)
		}
		close(redelivered)
	})
	go c.Listening(ctx, 10*time.Millisecond)

	if err := tr.Send(ctx, testMessage("1", "t")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-redelivered:
	case <-time.After(2 * time.Second):
		t.Fatal("rejected message not redelivered")
	}
}

func TestTokenValidation(t *testing.T) {
	tr := New()
	defer tr.Close(context.Background())
	c, err := tr.Create("g")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Commit(context.Background(), "bogus"); !errors.Is(err, transport.ErrInvalidToken) {
		t.Errorf("commit bogus token got %v", err)
	}
	if err := c.Reject(context.Background(), 42); !errors.Is(err, transport.ErrInvalidToken) {
		t.Errorf("reject bogus token got %v", err)
	}
}

func TestClosedTransport(t *testing.T) {
	ctx := context.Background()
	tr := New()
	if err := tr.Close(ctx); err != nil {
		t.Fatal(err)
	}

	if err := tr.Send(ctx, testMessage("1", "t")); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("send after close got %v", err)
	}
	if _, err := tr.Create("g"); !errors.Is(err, transport.ErrTransportClosed) {
		t.Errorf("create after close got %v", err)
	}
}

func TestListeningRequiresSubscription(t *testing.T) {
	tr := New()
	defer tr.Close(context.Background())
	c, err := tr.Create("g")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Listening(context.Background(), time.Millisecond); !errors.Is(err, transport.ErrNotSubscribed) {
		t.Errorf("unsubscribed listening got %v", err)
	}
}

func TestListeningInterleavesPollTicks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := New()
	defer tr.Close(context.Background())

	c, err := tr.Create("g")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Subscribe([]string{"t"}); err != nil {
		t.Fatal(err)
	}
	out := make(chan *message.Message, 10)
	done := make(chan error, 1)
	c.OnMessage(func(ctx context.Context, m *message.Message, token any) {
		out <- m
	})
	go func() {
		done <- c.Listening(ctx, time.Millisecond)
	}()

	// Deliveries spaced wider than the poll timeout, so the loop cycles
	// through idle ticks between them without dropping anything.
	const n = 4
	for i := 0; i < n; i++ {
		time.Sleep(5 * time.Millisecond)
		if err := tr.Send(ctx, testMessage("x", "t")); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < n; i++ {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatalf("missing delivery %d", i)
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("listening returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listening did not stop on cancel")
	}
}

func TestSendRequiresTopic(t *testing.T) {
	tr := New()
	defer tr.Close(context.Background())
	m := message.New(message.Header{message.HeaderMessageID: "1"}, nil)
	if err := tr.Send(context.Background(), m); !errors.Is(err, transport.ErrNoTopic) {
		t.Errorf("send without topic got %v", err)
	}
}
