package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/config"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/internal/store"
	"github.com/yourorg/apirecorder/internal/stream"
	"github.com/yourorg/apirecorder/pkg/types"
)

// sessionBackend is a capture backend without a capture mechanism; tests
// feed its session directly.
type sessionBackend struct {
	events  chan types.Event
	session *capture.Session
}

func newSessionBackend() *sessionBackend {
	events := make(chan types.Event, 64)
	return &sessionBackend{events: events, session: capture.NewSession(types.BackendProxy, events)}
}

func (b *sessionBackend) Kind() types.BackendKind    { return types.BackendProxy }
func (b *sessionBackend) Events() <-chan types.Event { return b.events }

func (b *sessionBackend) Start(ctx context.Context, target string) (types.CaptureSession, error) {
	sess, _ := b.session.Begin(target)
	return sess, nil
}

func (b *sessionBackend) Pause(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Pause()
}

func (b *sessionBackend) Resume(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Resume()
}

func (b *sessionBackend) Clear(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Clear()
}

func (b *sessionBackend) Stop(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries, ok := b.session.End()
	if !ok {
		return nil, nil, nil
	}
	return &sess, entries, nil
}

func (b *sessionBackend) Status(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries := b.session.Current()
	return sess, entries, nil
}

type testEnv struct {
	srv     *Server
	store   *store.SQLiteStore
	hub     *stream.Hub
	backend *sessionBackend
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	cfg := &config.Config{BaseDir: tmpDir}
	cfg.SetDefaults()
	cfg.Sanitize.Enabled = true

	st, err := store.NewSQLiteStore(filepath.Join(tmpDir, "apirecorder.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})

	metrics := observability.NewMetrics()
	hub := stream.NewHub(nil, metrics)
	backend := newSessionBackend()
	reg := capture.NewRegistry(capture.NewManager(backend, capture.ManagerOptions{Publisher: hub, Store: st, Metrics: metrics}))
	ctx, cancel := context.WithCancel(context.Background())
	reg.Run(ctx)
	t.Cleanup(func() {
		cancel()
		reg.Wait()
	})

	srv, err := New(cfg, Deps{Registry: reg, Hub: hub, Store: st, Metrics: metrics})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testEnv{srv: srv, store: st, hub: hub, backend: backend}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) types.ControlResult {
	t.Helper()
	var res types.ControlResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return res
}

func apiEntry(url string) types.ArchiveEntry {
	return types.ArchiveEntry{
		StartedAt: time.Now().UTC(),
		Request: types.ArchiveRequest{
			Method:      "GET",
			URL:         url,
			Headers:     []types.Header{{Name: "Authorization", Value: "Bearer secret"}},
			QueryParams: []types.Header{},
		},
		Response: types.ArchiveResponse{Status: 200, StatusText: "OK", Headers: []types.Header{}, MimeType: "application/json", BodyText: `{"ok":true}`},
	}
}

func TestServerNew(t *testing.T) {
	if _, err := New(nil, Deps{}); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := New(&config.Config{}, Deps{}); err == nil {
		t.Fatal("expected error for missing registry")
	}
}

func TestServerSessionsEmpty(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sessions []types.StoredSession
	if err := json.NewDecoder(rec.Body).Decode(&sessions); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty sessions, got %d", len(sessions))
	}
}

func TestServerCaptureLifecycle(t *testing.T) {
	env := newTestServer(t)

	res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/start", `{"target":"127.0.0.1:8899"}`))
	if !res.Success || res.Session == nil || res.Session.Status != types.StatusRecording {
		t.Fatalf("start: %+v", res)
	}
	again := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/start", ""))
	if !again.Success || again.Session.ID != res.Session.ID {
		t.Fatalf("second start should return the same session: %+v", again)
	}

	env.backend.session.Record(apiEntry("http://a.test/api/me"))
	env.backend.session.Record(apiEntry("http://a.test/static/app.js"))

	status := decodeResult(t, env.do(t, http.MethodGet, "/api/capture/proxy/status", ""))
	if !status.Success || status.Session.CapturedCount != 2 || len(status.Summaries) != 2 {
		t.Fatalf("status: %+v", status)
	}

	if res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/pause", "")); !res.Success || res.Session.Status != types.StatusPaused {
		t.Fatalf("pause: %+v", res)
	}
	if res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/pause", "")); res.Success {
		t.Fatalf("pausing twice should fail: %+v", res)
	}
	if res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/resume", "")); !res.Success || res.Session.Status != types.StatusRecording {
		t.Fatalf("resume: %+v", res)
	}

	stop := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/stop", ""))
	if !stop.Success || stop.Session.Status != types.StatusStopped {
		t.Fatalf("stop: %+v", stop)
	}
	if res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/stop", "")); !res.Success {
		t.Fatalf("second stop should succeed: %+v", res)
	}

	rec := env.do(t, http.MethodGet, "/api/capture/proxy/har?filter=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("har status = %d: %s", rec.Code, rec.Body.String())
	}
	entries, err := har.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode har: %v", err)
	}
	if len(entries) != 1 || entries[0].Request.URL != "http://a.test/api/me" {
		t.Fatalf("unexpected har entries: %+v", entries)
	}
	for _, h := range entries[0].Request.Headers {
		if h.Name == "Authorization" && h.Value == "Bearer secret" {
			t.Fatal("authorization header was not redacted")
		}
	}

	stored, err := env.store.GetSession(stop.Session.ID)
	if err != nil || stored.EntryCount != 2 {
		t.Fatalf("stopped session not persisted: %+v %v", stored, err)
	}
}

func TestServerCaptureRouting(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/capture/nope/start", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown backend status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/capture/proxy/start", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET start status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/capture/proxy/start", "{bad"); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/capture/proxy/har", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("har without session status = %d", rec.Code)
	}
	res := decodeResult(t, env.do(t, http.MethodPost, "/api/capture/proxy/clear", ""))
	if res.Success || res.Error == "" {
		t.Fatalf("clear without session should fail: %+v", res)
	}
	if rec := env.do(t, http.MethodOptions, "/api/capture/proxy/start", ""); rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Fatalf("preflight: %d %v", rec.Code, rec.Header())
	}
}

func TestServerStoredSessions(t *testing.T) {
	env := newTestServer(t)
	start := time.Now().UTC().Add(-time.Minute)
	end := start.Add(30 * time.Second)
	sess := types.CaptureSession{ID: "s1", Backend: types.BackendBrowser, Target: "http://a.test", StartTime: start, EndTime: &end, Status: types.StatusStopped, CapturedCount: 1}
	if err := env.store.SaveSession(sess, []types.ArchiveEntry{apiEntry("http://a.test/api/orders")}); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var detail struct {
		Session   types.StoredSession  `json:"session"`
		Summaries []types.EntrySummary `json:"summaries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatal(err)
	}
	if detail.Session.ID != "s1" || len(detail.Summaries) != 1 || detail.Summaries[0].URL != "http://a.test/api/orders" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	rec = env.do(t, http.MethodGet, "/api/sessions/s1/har", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Disposition"), "capture-s1.har") {
		t.Fatalf("har: %d %v", rec.Code, rec.Header())
	}
	var doc har.Document
	if err := json.NewDecoder(rec.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if doc.Log.Version != "1.2" || len(doc.Log.Entries) != 1 {
		t.Fatalf("unexpected har: %+v", doc.Log)
	}

	if rec := env.do(t, http.MethodDelete, "/api/sessions/s1", ""); rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/sessions/s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("detail after delete = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/sessions/s1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete = %d", rec.Code)
	}
}

func TestServerEventsSSE(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/capture/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	for env.hub.Len() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	startResp, err := http.Post(ts.URL+"/api/capture/proxy/start", "application/json", bytes.NewBufferString(`{"target":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	startResp.Body.Close()

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var ev types.Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode frame %q: %v", line, err)
	}
	if ev.Type != types.EventSessionUpdate || ev.Session == nil || ev.Session.Status != types.StatusRecording {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestServerMetricsAndVersion(t *testing.T) {
	env := newTestServer(t)
	env.do(t, http.MethodPost, "/api/capture/proxy/start", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "apirecorder_") {
		t.Fatalf("metrics: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/api/version", "")
	var v struct {
		Version  string              `json:"version"`
		Backends []types.BackendKind `json:"backends"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	if v.Version == "" || len(v.Backends) != 1 || v.Backends[0] != types.BackendProxy {
		t.Fatalf("unexpected version: %+v", v)
	}
}
