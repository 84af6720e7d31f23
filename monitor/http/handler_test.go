package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rbaliyan/capbus/message"
	"github.com/rbaliyan/capbus/monitor"
	"github.com/rbaliyan/capbus/serializer"
	"github.com/rbaliyan/capbus/storage"
	"github.com/rbaliyan/capbus/storage/memory"
)

func seedStore(t *testing.T) (*memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	s := memory.New()

	msg := message.New(message.Header{
		message.HeaderMessageID:   "msg-1",
		message.HeaderMessageName: "orders",
		message.HeaderGroup:       "billing",
	}, []byte(`{"n":1}`))
	content, err := serializer.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	m, err := s.StoreReceivedMessage(ctx, "orders", "billing", content)
	if err != nil {
		t.Fatal(err)
	}
	m.Retries = 4
	if err := s.ChangeReceiveState(ctx, m, message.StatusFailed); err != nil {
		t.Fatal(err)
	}
	return s, m.DBID
}

func serve(t *testing.T, s storage.Store, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	h := New(monitor.New(s))
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatsEndpoint(t *testing.T) {
	s, _ := seedStore(t)
	rec := serve(t, s, http.MethodGet, "/v1/capbus/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d", rec.Code)
	}

	var stats monitor.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Received[message.StatusFailed] != 1 {
		t.Errorf("received counts got %v", stats.Received)
	}

	if rec := serve(t, s, http.MethodPost, "/v1/capbus/stats"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST stats got %d", rec.Code)
	}
}

func TestListEndpoint(t *testing.T) {
	s, _ := seedStore(t)
	rec := serve(t, s, http.MethodGet, "/v1/capbus/received?status=Failed&group=billing")
	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d: %s", rec.Code, rec.Body)
	}

	var page monitor.Page
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("page got total=%d items=%d", page.Total, len(page.Items))
	}
	item := page.Items[0]
	if item.Topic != "orders" || item.Group != "billing" {
		t.Errorf("item route got %q@%q", item.Topic, item.Group)
	}
	if item.Retries != 4 {
		t.Errorf("item retries got %d", item.Retries)
	}
	if item.Body != `{"n":1}` {
		t.Errorf("item body got %q", item.Body)
	}

	// A status value outside the state machine is ignored, not an error.
	if rec := serve(t, s, http.MethodGet, "/v1/capbus/received?status=Bogus"); rec.Code != http.StatusOK {
		t.Errorf("bogus status got %d", rec.Code)
	}
	if rec := serve(t, s, http.MethodGet, "/v1/capbus/bogus"); rec.Code != http.StatusNotFound {
		t.Errorf("bogus table got %d", rec.Code)
	}
}

func TestGetEndpoint(t *testing.T) {
	s, id := seedStore(t)
	rec := serve(t, s, http.MethodGet, "/v1/capbus/received/"+id)
	if rec.Code != http.StatusOK {
		t.Fatalf("status got %d: %s", rec.Code, rec.Body)
	}

	var item monitor.Item
	if err := json.Unmarshal(rec.Body.Bytes(), &item); err != nil {
		t.Fatal(err)
	}
	if item.ID != id {
		t.Errorf("item id got %q, want %q", item.ID, id)
	}
	if item.Headers.Get(message.HeaderMessageID) != "msg-1" {
		t.Errorf("headers not decoded: %v", item.Headers)
	}

	if rec := serve(t, s, http.MethodGet, "/v1/capbus/received/does-not-exist"); rec.Code != http.StatusNotFound {
		t.Errorf("missing id got %d", rec.Code)
	}
}

func TestRequeueEndpoint(t *testing.T) {
	s, id := seedStore(t)
	rec := serve(t, s, http.MethodPost, "/v1/capbus/received/"+id+"/requeue")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status got %d: %s", rec.Code, rec.Body)
	}
	if st, _ := s.Status(storage.TableReceived, id); st != message.StatusScheduled {
		t.Errorf("requeued status got %q", st)
	}

	if rec := serve(t, s, http.MethodGet, "/v1/capbus/received/"+id+"/requeue"); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET requeue got %d", rec.Code)
	}
	if rec := serve(t, s, http.MethodPost, "/v1/capbus/received/nope/requeue"); rec.Code != http.StatusNotFound {
		t.Errorf("missing id got %d", rec.Code)
	}
}
