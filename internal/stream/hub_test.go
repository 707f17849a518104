package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

type memSink struct {
	mu   sync.Mutex
	msgs [][]byte
	err  error
}

func (m *memSink) Send(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, p)
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}

func TestHubDropsFailingObserver(t *testing.T) {
	metrics := observability.NewMetrics()
	h := NewHub(nil, metrics)
	good := &memSink{}
	bad := &memSink{err: errors.New("broken pipe")}
	h.Subscribe(good)
	h.Subscribe(bad)

	sess := types.CaptureSession{ID: "s1", Status: types.StatusRecording}
	h.Publish(types.Event{Type: types.EventSessionUpdate, Session: &sess})
	h.Publish(types.Event{Type: types.EventSessionUpdate, Session: &sess})

	if h.Len() != 1 {
		t.Fatalf("expected failing observer removed, %d left", h.Len())
	}
	if good.len() != 2 {
		t.Fatalf("healthy observer got %d events", good.len())
	}
	var ev types.Event
	if err := json.Unmarshal(good.msgs[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != types.EventSessionUpdate || ev.Session.ID != "s1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestHubUnsubscribe(t *testing.T) {
	h := NewHub(nil, nil)
	s := &memSink{}
	h.Subscribe(s)
	h.Unsubscribe(s)
	h.Publish(types.Event{Type: types.EventNewRequest, Data: &types.EntrySummary{Method: "GET"}})
	if s.len() != 0 {
		t.Fatalf("unsubscribed observer received events")
	}
}

func TestQueueSlowObserver(t *testing.T) {
	q := newQueue(1)
	if err := q.Send([]byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := q.Send([]byte("b")); !errors.Is(err, ErrSlowObserver) {
		t.Fatalf("expected ErrSlowObserver, got %v", err)
	}
	if err := q.Send([]byte("c")); !errors.Is(err, ErrSlowObserver) {
		t.Fatalf("closed queue must keep failing, got %v", err)
	}
}

func TestWriteSSEFrame(t *testing.T) {
	var b strings.Builder
	if err := WriteSSE(&b, []byte(`{"type":"new-request"}`)); err != nil {
		t.Fatal(err)
	}
	if b.String() != "data: {\"type\":\"new-request\"}\n\n" {
		t.Fatalf("unexpected frame %q", b.String())
	}
}

func TestSSESinkStreams(t *testing.T) {
	h := NewHub(nil, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sink, err := NewSSESink(w, 16)
		if err != nil {
			t.Error(err)
			return
		}
		h.Subscribe(sink)
		defer h.Unsubscribe(sink)
		sink.Serve(r.Context().Done())
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %s", ct)
	}

	for h.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(types.Event{Type: types.EventNewRequest, Data: &types.EntrySummary{Method: "GET", URL: "http://example.test/api"}})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "data: ") || !strings.Contains(line, "example.test/api") {
		t.Fatalf("unexpected frame %q", line)
	}
}

func TestWSSinkStreams(t *testing.T) {
	h := NewHub(nil, nil)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sink := NewWSSink(conn, 16)
		h.Subscribe(sink)
		defer h.Unsubscribe(sink)
		sink.Serve()
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	for h.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	sess := types.CaptureSession{ID: "ws", Status: types.StatusPaused}
	h.Publish(types.Event{Type: types.EventSessionUpdate, Session: &sess})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev types.Event
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Session == nil || ev.Session.Status != types.StatusPaused {
		t.Fatalf("unexpected event %s", msg)
	}
}
