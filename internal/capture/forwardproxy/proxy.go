// Package forwardproxy implements an explicit HTTP forward proxy that records
// plaintext exchanges and tunnels CONNECT requests.
package forwardproxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/certs"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

const viaHeader = "1.1 apirecorder"

// DialFunc opens upstream connections.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tune a Proxy. Zero values pick defaults.
type Options struct {
	MaxBodyBytes    int
	DialTimeout     time.Duration
	ShutdownTimeout time.Duration
	// VerifyTLS checks upstream certificates when relaying intercepted HTTPS.
	VerifyTLS bool
	// CA enables TLS interception of CONNECT requests.
	CA *certs.CertAuthority
	// Dial overrides the upstream dialer.
	Dial   DialFunc
	Logger *slog.Logger
}

// Proxy is the forward proxy engine. Every finished exchange is offered to
// its Recorder, which decides whether to keep it.
type Proxy struct {
	rec       capture.Recorder
	opts      Options
	logger    *slog.Logger
	transport *http.Transport

	mu     sync.Mutex
	srv    *http.Server
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
	done   chan struct{}
}

func NewProxy(rec capture.Recorder, opts Options) *Proxy {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = archive.DefaultMaxBodyBytes
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 3 * time.Second
	}
	if opts.Dial == nil {
		d := &net.Dialer{Timeout: opts.DialTimeout, KeepAlive: 30 * time.Second}
		opts.Dial = d.DialContext
	}
	p := &Proxy{
		rec:    rec,
		opts:   opts,
		logger: observability.OrDiscard(opts.Logger),
		conns:  make(map[net.Conn]struct{}),
	}
	p.transport = newTransport(opts)
	return p
}

func newTransport(opts Options) *http.Transport {
	tr := &http.Transport{
		DialContext:           opts.Dial,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: !opts.VerifyTLS},
	}
	// outbound HTTP/2 where the upstream offers it; HTTP/1.1 otherwise
	_ = http2.ConfigureTransport(tr)
	return tr
}

// Listen binds addr and serves in the background.
func (p *Proxy) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	p.Serve(ln)
	return nil
}

// Serve accepts proxy connections on ln in the background.
func (p *Proxy) Serve(ln net.Listener) {
	srv := &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug),
	}
	done := make(chan struct{})
	p.mu.Lock()
	p.srv, p.ln, p.done, p.closed = srv, ln, done, false
	p.mu.Unlock()
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Error("proxy serve", "addr", ln.Addr().String(), "err", err)
		}
	}()
}

// Addr returns the bound listen address, or "" when not listening.
func (p *Proxy) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return ""
	}
	return p.ln.Addr().String()
}

// Close stops accepting, lets in-flight requests drain for the shutdown
// timeout and then force-closes everything, tunnels included.
func (p *Proxy) Close(ctx context.Context) error {
	p.mu.Lock()
	srv, done := p.srv, p.done
	if srv == nil || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, p.opts.ShutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if err != nil {
		err = srv.Close()
	}
	p.closeTracked()
	<-done
	p.transport.CloseIdleConnections()
	p.mu.Lock()
	p.srv, p.ln = nil, nil
	p.mu.Unlock()
	return err
}

func (p *Proxy) track(c net.Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.conns[c] = struct{}{}
	return true
}

func (p *Proxy) untrack(c net.Conn) {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
}

func (p *Proxy) closeTracked() {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[net.Conn]struct{})
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		if p.opts.CA != nil {
			p.handleConnectMITM(w, r)
			return
		}
		p.handleConnectTunnel(w, r)
		return
	}
	if r.URL == nil || r.URL.Host == "" {
		http.Error(w, "apirecorder: not a proxy request", http.StatusBadRequest)
		return
	}
	p.handleForward(w, r)
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	target := *r.URL
	if target.Scheme == "" {
		target.Scheme = "http"
	}
	x, err := p.send(r.Context(), r, &target, r.RemoteAddr)
	if err != nil {
		http.Error(w, "apirecorder: upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer x.resp.Body.Close()
	removeHopHeaders(x.resp.Header)
	copyHeader(w.Header(), x.resp.Header)
	w.WriteHeader(x.resp.StatusCode)
	_, copyErr := io.Copy(w, x.resp.Body)
	p.finish(x, copyErr)
}

func (p *Proxy) handleConnectTunnel(w http.ResponseWriter, r *http.Request) {
	upstream := r.Host
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "apirecorder: hijacking not supported", http.StatusInternalServerError)
		return
	}
	dctx, cancel := context.WithTimeout(r.Context(), p.opts.DialTimeout)
	upstreamConn, err := p.opts.Dial(dctx, "tcp", upstream)
	cancel()
	if err != nil {
		http.Error(w, "apirecorder: upstream error: "+err.Error(), http.StatusBadGateway)
		return
	}
	clientConn, bufrw, err := hj.Hijack()
	if err != nil {
		_ = upstreamConn.Close()
		return
	}
	if !p.track(clientConn) || !p.track(upstreamConn) {
		_ = clientConn.Close()
		_ = upstreamConn.Close()
		return
	}
	defer p.untrack(clientConn)
	defer p.untrack(upstreamConn)

	_, _ = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := bufrw.Flush(); err != nil {
		_ = clientConn.Close()
		_ = upstreamConn.Close()
		return
	}
	p.logger.Debug("tunnel opened", "upstream", upstream)

	// bytes the client sent ahead of our 200 are still in bufrw
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = upstreamConn.Close()
		})
	}
	go func() {
		_, _ = io.Copy(upstreamConn, bufrw.Reader)
		closeBoth()
	}()
	_, _ = io.Copy(clientConn, upstreamConn)
	closeBoth()
}

// tunnelAuthority is the host a client sees inside a CONNECT tunnel. The
// default https port is dropped, the transport dials it anyway.
func tunnelAuthority(hostport string) string {
	if h, port, err := net.SplitHostPort(hostport); err == nil && port == "443" {
		if strings.Contains(h, ":") {
			return "[" + h + "]"
		}
		return h
	}
	return hostport
}

// handleConnectMITM terminates TLS with a leaf from the local CA and relays
// each decrypted request to the real host over TLS.
func (p *Proxy) handleConnectMITM(w http.ResponseWriter, r *http.Request) {
	upstream := r.Host
	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "apirecorder: hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, bufrw, err := hj.Hijack()
	if err != nil {
		return
	}
	if !p.track(clientConn) {
		_ = clientConn.Close()
		return
	}
	defer p.untrack(clientConn)
	defer clientConn.Close()

	_, _ = bufrw.WriteString("HTTP/1.1 200 Connection Established\r\n\r\n")
	if err := bufrw.Flush(); err != nil {
		return
	}
	host := upstream
	if h, _, err := net.SplitHostPort(upstream); err == nil {
		host = h
	}
	tlsConn := tls.Server(&bufferedConn{Conn: clientConn, r: bufrw.Reader}, p.opts.CA.TLSConfig(host))
	if err := tlsConn.HandshakeContext(r.Context()); err != nil {
		p.logger.Debug("client tls handshake", "upstream", upstream, "err", err)
		return
	}
	defer tlsConn.Close()

	authority := tunnelAuthority(upstream)
	br := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}
		target := &url.URL{Scheme: "https", Host: authority, Path: req.URL.Path, RawPath: req.URL.RawPath, RawQuery: req.URL.RawQuery}
		x, err := p.send(context.Background(), req, target, r.RemoteAddr)
		if err != nil {
			resp := &http.Response{
				StatusCode: http.StatusBadGateway,
				ProtoMajor: 1, ProtoMinor: 1,
				Header: http.Header{"Content-Type": {"text/plain; charset=utf-8"}},
				Body:   io.NopCloser(strings.NewReader("apirecorder: upstream error: " + err.Error())),
				Close:  true,
			}
			_ = resp.Write(tlsConn)
			return
		}
		removeHopHeaders(x.resp.Header)
		// the client side of the tunnel always speaks HTTP/1.1
		x.resp.Proto, x.resp.ProtoMajor, x.resp.ProtoMinor = "HTTP/1.1", 1, 1
		if x.resp.ContentLength < 0 && len(x.resp.TransferEncoding) == 0 {
			x.resp.TransferEncoding = []string{"chunked"}
		}
		writeErr := x.resp.Write(tlsConn)
		_ = x.resp.Body.Close()
		p.finish(x, writeErr)
		if writeErr != nil || req.Close || x.resp.Close {
			return
		}
	}
}

// recordingGate is implemented by recorders that can be muted. An exchange
// that begins while muted is never recorded, even if recording resumes
// before it completes.
type recordingGate interface {
	Recording() bool
}

func (p *Proxy) recording() bool {
	if g, ok := p.rec.(recordingGate); ok {
		return g.Recording()
	}
	return true
}

// exchange is one request relayed upstream whose response body is being
// teed into capture while the client receives it.
type exchange struct {
	keep    bool
	start   time.Time
	proto   string
	entry   types.ArchiveEntry
	resp    *http.Response
	capture *capWriter
}

// send buffers the request body, forwards the request and returns the
// exchange with its response body wrapped for capture. On upstream failure
// the failed exchange is recorded and the error returned.
func (p *Proxy) send(ctx context.Context, r *http.Request, target *url.URL, remoteAddr string) (*exchange, error) {
	start := time.Now().UTC()
	keep := p.recording()
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out.Header = r.Header.Clone()
	removeHopHeaders(out.Header)
	out.Header.Add("Via", viaHeader)
	if ip := clientHost(remoteAddr); ip != "" {
		out.Header.Set("X-Forwarded-For", ip)
	}
	out.Host = target.Host
	out.ContentLength = int64(len(body))
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	ct := r.Header.Get("Content-Type")
	entry := types.ArchiveEntry{
		ID:        archive.NewID(),
		StartedAt: start,
		Request: types.ArchiveRequest{
			Method:      r.Method,
			URL:         target.String(),
			HTTPVersion: r.Proto,
			Headers:     archive.HeaderPairs(r.Header),
			QueryParams: archive.QueryParams(target.String()),
			Body:        archive.RequestBody(ct, body, p.opts.MaxBodyBytes),
			BodySize:    int64(len(body)),
		},
	}

	resp, err := p.transport.RoundTrip(out)
	if err != nil {
		entry.DurationMs = archive.DurationMs(start, time.Now())
		entry.Response = types.ArchiveResponse{Headers: []types.Header{}, ErrorText: err.Error()}
		entry.ResourceType = "other"
		if keep {
			p.rec.Record(entry)
		}
		p.logger.Debug("upstream failed", "url", entry.Request.URL, "err", err)
		return nil, err
	}
	cw := &capWriter{limit: p.opts.MaxBodyBytes}
	resp.Body = &teeBody{ReadCloser: resp.Body, w: cw}
	return &exchange{keep: keep, start: start, proto: resp.Proto, entry: entry, resp: resp, capture: cw}, nil
}

// finish completes the archive entry once the response was relayed.
func (p *Proxy) finish(x *exchange, relayErr error) {
	if !x.keep {
		return
	}
	resp := x.resp
	ct := resp.Header.Get("Content-Type")
	e := x.entry
	e.DurationMs = archive.DurationMs(x.start, time.Now())
	e.Response = types.ArchiveResponse{
		Status:      resp.StatusCode,
		StatusText:  statusText(resp),
		HTTPVersion: x.proto,
		Headers:     archive.HeaderPairs(resp.Header),
		ContentSize: x.capture.n,
		MimeType:    archive.BaseMimeType(ct),
	}
	if !x.capture.truncated {
		data := x.capture.buf.Bytes()
		if enc := resp.Header.Get("Content-Encoding"); enc != "" {
			if dec, ok := archive.Decompress(enc, data, p.opts.MaxBodyBytes); ok {
				data = dec
			} else {
				data = nil
			}
		}
		if text, bodyEnc, ok := archive.EncodeBody(ct, data, p.opts.MaxBodyBytes); ok {
			e.Response.BodyText = text
			e.Response.BodyEncoding = bodyEnc
		}
	}
	if relayErr != nil {
		e.Response.ErrorText = "relay to client: " + relayErr.Error()
	}
	e.ResourceType = archive.GuessResourceType(ct)
	p.rec.Record(e)
}

func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// capWriter keeps up to limit bytes and counts everything written.
type capWriter struct {
	buf       bytes.Buffer
	limit     int
	n         int64
	truncated bool
}

func (c *capWriter) Write(b []byte) (int, error) {
	c.n += int64(len(b))
	if c.truncated {
		return len(b), nil
	}
	if c.buf.Len()+len(b) > c.limit {
		c.truncated = true
		c.buf.Reset()
		return len(b), nil
	}
	c.buf.Write(b)
	return len(b), nil
}

type teeBody struct {
	io.ReadCloser
	w io.Writer
}

func (t *teeBody) Read(b []byte) (int, error) {
	n, err := t.ReadCloser.Read(b)
	if n > 0 {
		_, _ = t.w.Write(b[:n])
	}
	return n, err
}

// bufferedConn replays bytes already read by the hijacked bufio.Reader.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) { return c.r.Read(b) }

func removeHopHeaders(h http.Header) {
	hop := []string{"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade"}
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hop {
		h.Del(k)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func clientHost(remote string) string {
	if h, _, err := net.SplitHostPort(remote); err == nil {
		return h
	}
	return remote
}
