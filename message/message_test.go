package message

import (
	"testing"
	"time"
)

func TestHeaderNilSafety(t *testing.T) {
	var h Header
	if got := h.Get(HeaderMessageID); got != "" {
		t.Errorf("nil Get got %q", got)
	}
	if h.Has(HeaderMessageID) {
		t.Error("nil Has returned true")
	}
	if h.Clone() != nil {
		t.Error("nil Clone returned a map")
	}
}

func TestHeaderClone(t *testing.T) {
	h := Header{HeaderMessageID: "1", HeaderMessageName: "orders"}
	c := h.Clone()
	c.Set(HeaderMessageID, "2")
	if h.Get(HeaderMessageID) != "1" {
		t.Error("clone shares storage with the original")
	}
	if c.Get(HeaderMessageName) != "orders" {
		t.Error("clone dropped a header")
	}
}

func TestMessageAccessors(t *testing.T) {
	m := New(Header{
		HeaderMessageID:           "42",
		HeaderMessageName:         "orders",
		HeaderGroup:               "billing",
		HeaderMessageType:         "json",
		HeaderCallbackName:        "orders.done",
		HeaderCorrelationID:       "41",
		HeaderCorrelationSequence: "3",
	}, []byte("body"))

	if m.ID() != "42" || m.Name() != "orders" || m.Group() != "billing" {
		t.Errorf("identity accessors wrong: %q %q %q", m.ID(), m.Name(), m.Group())
	}
	if m.Type() != "json" || m.CallbackName() != "orders.done" {
		t.Errorf("routing accessors wrong: %q %q", m.Type(), m.CallbackName())
	}
	if m.CorrelationID() != "41" || m.CorrelationSequence() != 3 {
		t.Errorf("correlation accessors wrong: %q %d", m.CorrelationID(), m.CorrelationSequence())
	}
	if m.HasException() {
		t.Error("exception reported on a clean message")
	}
}

func TestNewNilHeaders(t *testing.T) {
	m := New(nil, nil)
	if m.Headers == nil {
		t.Fatal("headers not initialized")
	}
	m.Headers.Set(HeaderException, "boom")
	if !m.HasException() {
		t.Error("exception header not visible")
	}
}

func TestCorrelationSequenceMalformed(t *testing.T) {
	m := New(Header{HeaderCorrelationSequence: "many"}, nil)
	if got := m.CorrelationSequence(); got != 0 {
		t.Errorf("malformed sequence got %d, want 0", got)
	}
	m = New(nil, nil)
	if got := m.CorrelationSequence(); got != 0 {
		t.Errorf("absent sequence got %d, want 0", got)
	}
}

func TestDelayTime(t *testing.T) {
	due := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	m := New(Header{HeaderDelayTime: due.Format(time.RFC3339Nano)}, nil)
	got, ok := m.DelayTime()
	if !ok {
		t.Fatal("due time not parsed")
	}
	if !got.Equal(due) {
		t.Errorf("due time got %v, want %v", got, due)
	}

	m = New(Header{HeaderDelayTime: "not-a-time"}, nil)
	if _, ok := m.DelayTime(); ok {
		t.Error("malformed due time parsed")
	}
	m = New(nil, nil)
	if _, ok := m.DelayTime(); ok {
		t.Error("absent due time parsed")
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusScheduled, StatusProcessing, StatusSucceeded, StatusFailed} {
		if !s.Valid() {
			t.Errorf("%q not valid", s)
		}
	}
	for _, s := range []Status{"", "Delayed", "scheduled"} {
		if s.Valid() {
			t.Errorf("%q reported valid", s)
		}
	}
}
