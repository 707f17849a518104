package forwardproxy

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// BackendOptions configure the proxy capture backend.
type BackendOptions struct {
	// Host and Port form the default listen address; a start target may
	// override the port or the whole address.
	Host        string
	Port        int
	EventBuffer int
	Proxy       Options
	Logger      *slog.Logger
}

// Backend records plaintext HTTP passing through a forward proxy.
type Backend struct {
	opts    BackendOptions
	logger  *slog.Logger
	events  chan types.Event
	session *capture.Session

	mu    sync.Mutex
	proxy *Proxy
}

var _ capture.Backend = (*Backend)(nil)

func NewBackend(opts BackendOptions) *Backend {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	logger := observability.OrDiscard(opts.Logger)
	opts.Proxy.Logger = logger
	events := make(chan types.Event, opts.EventBuffer)
	return &Backend{
		opts:    opts,
		logger:  logger,
		events:  events,
		session: capture.NewSession(types.BackendProxy, events),
	}
}

func (b *Backend) Kind() types.BackendKind    { return types.BackendProxy }
func (b *Backend) Events() <-chan types.Event { return b.events }

// Addr returns the address the proxy is bound to, or "" when stopped.
func (b *Backend) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proxy == nil {
		return ""
	}
	return b.proxy.Addr()
}

// Start binds the proxy. target is empty (configured port), a port number,
// or a host:port address.
func (b *Backend) Start(ctx context.Context, target string) (types.CaptureSession, error) {
	addr := b.listenAddr(target)
	sess, started := b.session.Begin(addr)
	if !started {
		return sess, nil
	}
	p := NewProxy(b.session, b.opts.Proxy)
	if err := p.Listen(addr); err != nil {
		failed := b.session.Fail(err)
		return failed, capture.NewLaunchError(types.BackendProxy, err)
	}
	b.mu.Lock()
	b.proxy = p
	b.mu.Unlock()
	b.logger.Info("forward proxy listening", "addr", p.Addr(), "session", sess.ID)
	return sess, nil
}

func (b *Backend) listenAddr(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return net.JoinHostPort(b.opts.Host, strconv.Itoa(b.opts.Port))
	}
	if _, err := strconv.Atoi(target); err == nil {
		return net.JoinHostPort(b.opts.Host, target)
	}
	return target
}

func (b *Backend) Pause(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Pause()
}

func (b *Backend) Resume(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Resume()
}

func (b *Backend) Clear(ctx context.Context) (types.CaptureSession, error) {
	return b.session.Clear()
}

// Stop ends the session and closes the listener even when no session was
// active, so a half-finished start is always cleaned up.
func (b *Backend) Stop(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries, ok := b.session.End()
	b.mu.Lock()
	p := b.proxy
	b.proxy = nil
	b.mu.Unlock()
	if p != nil {
		if err := p.Close(ctx); err != nil {
			b.logger.Warn("close proxy", "err", err)
		}
	}
	if !ok {
		return nil, nil, nil
	}
	return &sess, entries, nil
}

func (b *Backend) Status(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries := b.session.Current()
	return sess, entries, nil
}
