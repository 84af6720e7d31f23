package serializer

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/rbaliyan/capbus/message"
)

type order struct {
	ID    int    `json:"id" msgpack:"id"`
	Buyer string `json:"buyer" msgpack:"buyer"`
}

func TestJSONRoundTrip(t *testing.T) {
	s := JSON{}
	in := order{ID: 7, Buyer: "ada"}

	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var out order
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMsgPackRoundTrip(t *testing.T) {
	s := MsgPack{}
	in := order{ID: 42, Buyer: "grace"}

	data, err := s.Serialize(in)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var out order
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestProtoRejectsNonProto(t *testing.T) {
	s := Proto{}
	if _, err := s.Serialize(order{}); !errors.Is(err, ErrNotProtoMessage) {
		t.Errorf("expected ErrNotProtoMessage, got %v", err)
	}
	var out order
	if err := s.Deserialize(nil, &out); !errors.Is(err, ErrNotProtoMessage) {
		t.Errorf("expected ErrNotProtoMessage, got %v", err)
	}
}

func TestRawPassthrough(t *testing.T) {
	s := Raw{}

	data, err := s.Serialize([]byte{0x01, 0x02})
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	var out []byte
	if err := s.Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize failed: %v", err)
	}
	if diff := cmp.Diff([]byte{0x01, 0x02}, out); diff != "" {
		t.Errorf("raw bytes mismatch (-want +got):\n%s", diff)
	}

	if _, err := s.Serialize(struct{}{}); err == nil {
		t.Error("expected error for non-bytes value")
	}
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	t.Run("known tag", func(t *testing.T) {
		s, ok := r.Lookup("msgpack")
		if !ok {
			t.Fatal("expected msgpack to be registered")
		}
		if s.Name() != "msgpack" {
			t.Errorf("expected msgpack, got %s", s.Name())
		}
	})

	t.Run("unknown tag falls back to raw", func(t *testing.T) {
		s, ok := r.Lookup("avro")
		if ok {
			t.Error("expected ok=false for unknown tag")
		}
		if s.Name() != "raw" {
			t.Errorf("expected raw fallback, got %s", s.Name())
		}
	})

	t.Run("empty tag falls back to raw", func(t *testing.T) {
		s, ok := r.Lookup("")
		if ok {
			t.Error("expected ok=false for empty tag")
		}
		if s.Name() != "raw" {
			t.Errorf("expected raw fallback, got %s", s.Name())
		}
	})

	t.Run("default is json", func(t *testing.T) {
		if r.Default().Name() != "json" {
			t.Errorf("expected json default, got %s", r.Default().Name())
		}
	})

	t.Run("SetDefault replaces default", func(t *testing.T) {
		r := NewRegistry()
		r.SetDefault(MsgPack{})
		if r.Default().Name() != "msgpack" {
			t.Errorf("expected msgpack default, got %s", r.Default().Name())
		}
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	m := message.New(message.Header{
		message.HeaderMessageID:   "123",
		message.HeaderMessageName: "order.created",
		message.HeaderMessageType: "json",
	}, []byte(`{"id":1}`))

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	out, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(m, out); diff != "" {
		t.Errorf("envelope mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not-json")); !errors.Is(err, ErrEnvelopeFailure) {
		t.Errorf("expected ErrEnvelopeFailure, got %v", err)
	}
	if _, err := Decode([]byte(`{"body":"aGk="}`)); !errors.Is(err, ErrEnvelopeFailure) {
		t.Errorf("expected ErrEnvelopeFailure for missing headers, got %v", err)
	}
}
