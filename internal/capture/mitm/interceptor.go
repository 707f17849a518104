package mitm

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/apirecorder/internal/capture/forwardproxy"
	"github.com/yourorg/apirecorder/internal/har"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// InterceptorOptions configure the intercepting child process.
type InterceptorOptions struct {
	Host string
	Port int
	// Dir is the mailbox directory shared with the supervisor.
	Dir string
	// CaptureFile overrides where the capture file is published.
	CaptureFile  string
	PollInterval time.Duration
	Proxy        forwardproxy.Options
	Logger       *slog.Logger
}

// Interceptor is the child side of the mailbox: an intercepting proxy that
// publishes every exchange to capture.json and obeys marker files.
type Interceptor struct {
	opts   InterceptorOptions
	box    Mailbox
	logger *slog.Logger

	mu    sync.Mutex
	state CaptureFile
}

func NewInterceptor(opts InterceptorOptions) *Interceptor {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 250 * time.Millisecond
	}
	logger := observability.OrDiscard(opts.Logger)
	opts.Proxy.Logger = logger
	return &Interceptor{
		opts:   opts,
		box:    Mailbox{Dir: opts.Dir, File: opts.CaptureFile},
		logger: logger,
		state: CaptureFile{
			SessionID: uuid.NewString(),
			Port:      opts.Port,
			StartedAt: time.Now().UTC(),
			Log:       CaptureFileLog{Entries: []har.Entry{}},
		},
	}
}

// Record appends a finished exchange and republishes the capture file.
func (i *Interceptor) Record(entry types.ArchiveEntry) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state.Paused {
		return false
	}
	i.state.Log.Entries = append(i.state.Log.Entries, har.EntryFromArchive(entry))
	i.state.TotalRequests++
	i.publishLocked()
	return true
}

// Recording lets the proxy skip exchanges that begin while paused.
func (i *Interceptor) Recording() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return !i.state.Paused
}

func (i *Interceptor) publishLocked() {
	i.state.UpdatedAt = time.Now().UTC()
	if err := i.box.WriteCapture(&i.state); err != nil {
		i.logger.Warn("write capture file", "err", err)
	}
}

// Run serves the proxy until ctx is done.
func (i *Interceptor) Run(ctx context.Context) error {
	p := forwardproxy.NewProxy(i, i.opts.Proxy)
	if err := p.Listen(net.JoinHostPort(i.opts.Host, strconv.Itoa(i.opts.Port))); err != nil {
		return err
	}
	i.mu.Lock()
	i.publishLocked()
	i.mu.Unlock()
	i.logger.Info("interceptor listening", "addr", p.Addr(), "dir", i.opts.Dir)

	ticker := time.NewTicker(i.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return p.Close(sctx)
		case <-ticker.C:
			i.pollMarkers()
		}
	}
}

// pollMarkers applies pending markers. A marker that does not apply to the
// current state is stale and only removed.
func (i *Interceptor) pollMarkers() {
	i.mu.Lock()
	defer i.mu.Unlock()
	changed := false
	if i.box.Take(MarkerClear) {
		i.state.Generation++
		i.state.TotalRequests = 0
		i.state.Log.Entries = []har.Entry{}
		changed = true
	}
	if i.box.Take(MarkerPause) {
		if i.state.Paused {
			i.logger.Debug("stale control marker", "marker", MarkerPause)
		} else {
			i.state.Paused = true
			changed = true
		}
	}
	if i.box.Take(MarkerResume) {
		if !i.state.Paused {
			i.logger.Debug("stale control marker", "marker", MarkerResume)
		} else {
			i.state.Paused = false
			changed = true
		}
	}
	if changed {
		i.publishLocked()
	}
}
