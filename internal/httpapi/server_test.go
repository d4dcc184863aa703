package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zombiemesh/zombiemesh/internal/zombiegram"
)

type fakeNode struct {
	enqueued    []queued
	trustKey    []byte
	cleared     bool
	tampered    *bool
	maintenance *bool
	lat, lon    float32
	posSet      bool
}

type queued struct {
	priority zombiegram.Priority
	payloads []zombiegram.Payload
}

func (n *fakeNode) Enqueue(priority zombiegram.Priority, payloads ...zombiegram.Payload) error {
	n.enqueued = append(n.enqueued, queued{priority: priority, payloads: payloads})
	return nil
}
func (n *fakeNode) TrustKey() []byte { return n.trustKey }
func (n *fakeNode) ClearTrustKey() {
	n.trustKey = nil
	n.cleared = true
}
func (n *fakeNode) SetTampered(v bool)    { n.tampered = &v }
func (n *fakeNode) SetMaintenance(v bool) { n.maintenance = &v }
func (n *fakeNode) SetPosition(lat, lon float32) {
	n.lat, n.lon, n.posSet = lat, lon, true
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUSMSQueued(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/usms", `{"text":"all clear"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if len(node.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(node.enqueued))
	}
	q := node.enqueued[0]
	if q.priority != zombiegram.PriorityHigh {
		t.Fatalf("priority %d, want high", q.priority)
	}
	usms, ok := q.payloads[0].(*zombiegram.USMSPayload)
	if !ok || usms.Text != "all clear" {
		t.Fatalf("unexpected payload %+v", q.payloads[0])
	}
}

func TestUSMSOversizeRejected(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/usms", `{"text":"`+strings.Repeat("a", 71)+`"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp["error"] == "" {
		t.Fatal("expected an error message")
	}
	if len(node.enqueued) != 0 {
		t.Fatal("oversize text must not be enqueued")
	}
}

func TestKeyCompromisedQueuesNetworkChangeAndClearsKey(t *testing.T) {
	node := &fakeNode{trustKey: []byte("secret")}
	h := NewServer(node).Routes()

	rec := post(t, h, "/key_compromised", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(node.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(node.enqueued))
	}
	want := zombiegram.NewNetworkChangePayload([]byte("secret"))
	got, ok := node.enqueued[0].payloads[0].(*zombiegram.NetworkChangePayload)
	if !ok || got.SignedSourceID != want.SignedSourceID {
		t.Fatalf("unexpected network change payload %+v", node.enqueued[0].payloads[0])
	}
	if !node.cleared {
		t.Fatal("trust key must be cleared after queueing the notification")
	}
}

func TestKeyCompromisedNoopWithoutKey(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/key_compromised", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(node.enqueued) != 0 || node.cleared {
		t.Fatal("no key set: the call must be a no-op")
	}
}

func TestFixQueuesDetectionAndSetsFlags(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/fix", `{"confidence":90,"hitcounter":4,"tampered":true,"gps_latitude":51.9,"gps_longtitude":4.4}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, body %s", rec.Code, rec.Body.String())
	}
	if len(node.enqueued) != 1 {
		t.Fatalf("expected 1 enqueued message, got %d", len(node.enqueued))
	}
	if node.enqueued[0].priority != zombiegram.PriorityUrgent {
		t.Fatalf("priority %d, want urgent", node.enqueued[0].priority)
	}
	det := node.enqueued[0].payloads[0].(*zombiegram.DetectionPayload)
	if det.Confidence != 90 || det.HitCounter != 4 {
		t.Fatalf("unexpected detection %+v", det)
	}
	if node.tampered == nil || !*node.tampered {
		t.Fatal("tampered flag not set")
	}
	if !node.posSet || node.lat != 51.9 || node.lon != 4.4 {
		t.Fatalf("position not set: %v %v %v", node.lat, node.lon, node.posSet)
	}
}

func TestFixFlagsOnlyDoesNotQueue(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/fix", `{"maintenance":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	if len(node.enqueued) != 0 {
		t.Fatal("no confidence given: nothing must be enqueued")
	}
	if node.maintenance == nil || !*node.maintenance {
		t.Fatal("maintenance flag not set")
	}
}

func TestFixConfidenceOutOfRange(t *testing.T) {
	node := &fakeNode{}
	h := NewServer(node).Routes()

	rec := post(t, h, "/fix", `{"confidence":101}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}
