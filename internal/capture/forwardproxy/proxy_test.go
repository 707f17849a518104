package forwardproxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/certs"
	"github.com/yourorg/apirecorder/pkg/types"
)

// routeDial sends named hosts to local test servers and fails everything else.
func routeDial(routes map[string]string) DialFunc {
	var d net.Dialer
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if to, ok := routes[addr]; ok {
			return d.DialContext(ctx, network, to)
		}
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
}

func drain(t *testing.T, b capture.Backend) {
	t.Helper()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case <-done:
				return
			case <-b.Events():
			}
		}
	}()
}

func waitEntries(t *testing.T, count func() int, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d entries, have %d", n, count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func backendCount(b *Backend) func() int {
	return func() int {
		_, entries, _ := b.Status(context.Background())
		return len(entries)
	}
}

func proxyClient(t *testing.T, addr string, tlsCfg *tls.Config) *http.Client {
	t.Helper()
	pu, err := url.Parse("http://" + addr)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(pu), TLSClientConfig: tlsCfg}}
}

func newTestBackend(t *testing.T, routes map[string]string) *Backend {
	t.Helper()
	b := NewBackend(BackendOptions{Proxy: Options{Dial: routeDial(routes)}})
	drain(t, b)
	t.Cleanup(func() { _, _, _ = b.Stop(context.Background()) })
	return b
}

func TestProxyRecordsPlainHTTP(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Via") == "" {
			t.Errorf("missing Via header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"path":"`+r.URL.Path+`"}`)
	}))
	defer upstream.Close()

	b := newTestBackend(t, map[string]string{"example.test:80": upstream.Listener.Addr().String()})
	ctx := context.Background()
	sess, err := b.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	resp, err := proxyClient(t, b.Addr(), nil).Get("http://example.test/api?x=1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"path":"/api"}` {
		t.Fatalf("response not relayed verbatim: %s", body)
	}
	waitEntries(t, backendCount(b), 1)

	cur, entries, _ := b.Status(ctx)
	if cur == nil || cur.ID != sess.ID || cur.CapturedCount != 1 {
		t.Fatalf("unexpected session %+v", cur)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Request.Method != "GET" || !strings.Contains(e.Request.URL, "example.test/api") {
		t.Fatalf("unexpected request %+v", e.Request)
	}
	if e.Response.Status != 200 || e.Response.BodyText != `{"path":"/api"}` || e.Response.MimeType != "application/json" {
		t.Fatalf("unexpected response %+v", e.Response)
	}
	if len(e.Request.QueryParams) != 1 || e.Request.QueryParams[0].Name != "x" {
		t.Fatalf("query params missing: %+v", e.Request.QueryParams)
	}
}

func TestProxyBuffersRequestBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(b)
	}))
	defer upstream.Close()

	b := newTestBackend(t, map[string]string{"example.test:80": upstream.Listener.Addr().String()})
	if _, err := b.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	resp, err := proxyClient(t, b.Addr(), nil).Post("http://example.test/items", "application/json", strings.NewReader(`{"name":"a"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	waitEntries(t, backendCount(b), 1)

	_, entries, _ := b.Status(context.Background())
	req := entries[0].Request
	if req.Body == nil || req.Body.Text != `{"name":"a"}` || req.BodySize != 12 {
		t.Fatalf("request body not captured: %+v", req)
	}
	if entries[0].Response.Status != http.StatusCreated {
		t.Fatalf("unexpected status %d", entries[0].Response.Status)
	}
}

func TestProxyPausedRelaysWithoutRecording(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	b := newTestBackend(t, map[string]string{"example.test:80": upstream.Listener.Addr().String()})
	ctx := context.Background()
	if _, err := b.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	client := proxyClient(t, b.Addr(), nil)
	get := func(path string) {
		t.Helper()
		resp, err := client.Get("http://example.test" + path)
		if err != nil {
			t.Fatal(err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if string(body) != "ok" {
			t.Fatalf("traffic must still flow, got %q", body)
		}
	}

	get("/1")
	waitEntries(t, backendCount(b), 1)
	if _, err := b.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	get("/2")
	if _, err := b.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	get("/3")
	waitEntries(t, backendCount(b), 2)

	_, entries, _ := b.Status(ctx)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if !strings.HasSuffix(entries[0].Request.URL, "/1") || !strings.HasSuffix(entries[1].Request.URL, "/3") {
		t.Fatalf("unexpected entries %s %s", entries[0].Request.URL, entries[1].Request.URL)
	}
}

func TestProxyUpstreamFailureRecorded(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()
	if _, err := b.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	resp, err := proxyClient(t, b.Addr(), nil).Get("http://down.test/x")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	cur, entries, _ := b.Status(ctx)
	if len(entries) != 1 || entries[0].Response.Status != 0 || !strings.Contains(entries[0].Response.ErrorText, "refused") {
		t.Fatalf("failure not recorded: %+v", entries)
	}
	if cur.Status != types.StatusRecording {
		t.Fatalf("transport failure must not abort the session, got %s", cur.Status)
	}
}

func TestProxyTunnelsConnectWithoutRecording(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "secret")
	}))
	defer upstream.Close()

	b := newTestBackend(t, map[string]string{"secure.test:443": upstream.Listener.Addr().String()})
	ctx := context.Background()
	if _, err := b.Start(ctx, "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	client := proxyClient(t, b.Addr(), &tls.Config{InsecureSkipVerify: true})
	resp, err := client.Get("https://secure.test/hidden")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "secret" {
		t.Fatalf("tunnel did not relay: %q", body)
	}
	_, entries, _ := b.Status(ctx)
	if len(entries) != 0 {
		t.Fatalf("tunneled traffic must not be recorded, got %d", len(entries))
	}
}

func TestBackendStartIdempotentAndStopTwice(t *testing.T) {
	b := newTestBackend(t, nil)
	ctx := context.Background()
	first, err := b.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := b.Addr()
	second, err := b.Start(ctx, "127.0.0.1:0")
	if err != nil || second.ID != first.ID || b.Addr() != addr {
		t.Fatalf("second start must reuse the session: %+v err=%v", second, err)
	}

	sess, _, err := b.Stop(ctx)
	if err != nil || sess == nil || sess.Status != types.StatusStopped {
		t.Fatalf("unexpected stop: %+v err=%v", sess, err)
	}
	if b.Addr() != "" {
		t.Fatalf("listener must be closed")
	}
	if _, err := net.Dial("tcp", addr); err == nil {
		t.Fatalf("port still accepting after stop")
	}
	again, entries, err := b.Stop(ctx)
	if err != nil || again != nil || len(entries) != 0 {
		t.Fatalf("second stop must be a no-op: %+v err=%v", again, err)
	}
}

func TestBackendLaunchFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	b := newTestBackend(t, nil)
	sess, err := b.Start(context.Background(), busy.Addr().String())
	if !capture.IsLaunchError(err) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if sess.Status != types.StatusError || sess.ErrorMessage == "" {
		t.Fatalf("expected error session, got %+v", sess)
	}
	cur, _, _ := b.Status(context.Background())
	if cur == nil || cur.Status != types.StatusError {
		t.Fatalf("status must surface the failed session")
	}
}

type memRecorder struct {
	mu      sync.Mutex
	entries []types.ArchiveEntry
}

func (m *memRecorder) Record(e types.ArchiveEntry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return true
}

func (m *memRecorder) all() []types.ArchiveEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ArchiveEntry(nil), m.entries...)
}

func TestProxyInterceptsTLSWithCA(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer upstream.Close()

	certPEM, keyPEM, err := certs.GenerateDevCA("test CA", 1)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := certs.LoadFromPEM(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	rec := &memRecorder{}
	p := NewProxy(rec, Options{CA: ca, Dial: routeDial(map[string]string{"secure.test:443": upstream.Listener.Addr().String()})})
	if err := p.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	client := proxyClient(t, p.Addr(), &tls.Config{RootCAs: ca.Pool()})
	resp, err := client.Get("https://secure.test/inside?q=1")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "hello /inside" {
		t.Fatalf("unexpected body %q", body)
	}

	waitEntries(t, func() int { return len(rec.all()) }, 1)
	entries := rec.all()
	if entries[0].Request.URL != "https://secure.test/inside?q=1" || entries[0].Response.BodyText != "hello /inside" {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
}

func TestTunnelAuthority(t *testing.T) {
	cases := map[string]string{
		"secure.test:443":  "secure.test",
		"secure.test:8443": "secure.test:8443",
		"[::1]:443":        "[::1]",
		"[::1]:9443":       "[::1]:9443",
		"bare.test":        "bare.test",
	}
	for in, want := range cases {
		if got := tunnelAuthority(in); got != want {
			t.Errorf("tunnelAuthority(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestProxyRejectsOriginRequests(t *testing.T) {
	p := NewProxy(&memRecorder{}, Options{})
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/local", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("closing an idle proxy must not fail: %v", err)
	}
}
