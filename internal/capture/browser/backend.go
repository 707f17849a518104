package browser

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/capture"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// BackendOptions configure the browser capture backend.
type BackendOptions struct {
	EventBuffer  int
	MaxBodyBytes int
	// BodyTimeout bounds each best-effort response body fetch.
	BodyTimeout time.Duration
	Logger      *slog.Logger
}

// Backend records what a browser driven to a target URL sends and receives.
type Backend struct {
	driver  Driver
	opts    BackendOptions
	logger  *slog.Logger
	events  chan types.Event
	session *capture.Session
	timings *timingTable

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ capture.Backend = (*Backend)(nil)

func NewBackend(driver Driver, opts BackendOptions) *Backend {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.BodyTimeout <= 0 {
		opts.BodyTimeout = 5 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = archive.DefaultMaxBodyBytes
	}
	events := make(chan types.Event, opts.EventBuffer)
	return &Backend{
		driver:  driver,
		opts:    opts,
		logger:  observability.OrDiscard(opts.Logger),
		events:  events,
		session: capture.NewSession(types.BackendBrowser, events),
		timings: newTimingTable(),
	}
}

func (b *Backend) Kind() types.BackendKind    { return types.BackendBrowser }
func (b *Backend) Events() <-chan types.Event { return b.events }

// Start launches the browser on target. The browser outlives ctx; it runs
// until Stop.
func (b *Backend) Start(ctx context.Context, target string) (types.CaptureSession, error) {
	target = normalizeTarget(target)
	if target == "" {
		return types.CaptureSession{}, errors.New("browser: target url is required")
	}
	sess, started := b.session.Begin(target)
	if !started {
		return sess, nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	sink := make(chan NetworkEvent, b.opts.EventBuffer)
	ordered := make(chan chan types.ArchiveEntry, b.opts.EventBuffer)
	b.wg.Add(2)
	go b.consume(runCtx, sink, ordered)
	go b.record(ordered)
	if err := b.driver.Launch(runCtx, target, sink); err != nil {
		cancel()
		b.wg.Wait()
		_ = b.driver.Close()
		failed := b.session.Fail(err)
		return failed, capture.NewLaunchError(types.BackendBrowser, err)
	}
	b.mu.Lock()
	b.cancel = cancel
	b.mu.Unlock()
	b.logger.Info("browser launched", "target", target, "session", sess.ID)
	return sess, nil
}

// normalizeTarget adds a scheme to bare hosts.
func normalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if target == "" {
		return ""
	}
	if !strings.Contains(target, "://") {
		target = "https://" + target
	}
	if u, err := url.Parse(target); err != nil || u.Host == "" {
		return ""
	}
	return target
}

// consume turns driver events into archive slots. A slot is queued the
// moment an exchange completes, so the archive keeps completion order even
// though body fetches run concurrently.
func (b *Backend) consume(ctx context.Context, sink <-chan NetworkEvent, ordered chan<- chan types.ArchiveEntry) {
	defer b.wg.Done()
	defer close(ordered)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sink:
			slot := b.handle(ctx, ev)
			if slot == nil {
				continue
			}
			select {
			case ordered <- slot:
			case <-ctx.Done():
				return
			}
		}
	}
}

// record appends finished exchanges in slot order. A slot waits at most
// BodyTimeout for its body.
func (b *Backend) record(ordered <-chan chan types.ArchiveEntry) {
	defer b.wg.Done()
	for slot := range ordered {
		b.session.Record(<-slot)
	}
}

func (b *Backend) handle(ctx context.Context, ev NetworkEvent) chan types.ArchiveEntry {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	switch ev.Kind {
	case RequestStarted:
		b.timings.add(ev)
	case ResponseFinished:
		rec, matched := b.timings.take(ev)
		if !matched {
			b.logger.Debug("response without request", "url", ev.URL)
		}
		slot := make(chan types.ArchiveEntry, 1)
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			slot <- b.responseEntry(ctx, rec, ev)
		}()
		return slot
	case RequestFailed:
		rec, _ := b.timings.take(ev)
		slot := make(chan types.ArchiveEntry, 1)
		slot <- failureEntry(rec, ev)
		return slot
	}
	return nil
}

func (b *Backend) responseEntry(ctx context.Context, rec *timingRecord, ev NetworkEvent) types.ArchiveEntry {
	e := requestEntry(rec, ev, b.opts.MaxBodyBytes)
	e.Response = types.ArchiveResponse{
		Status:      ev.Status,
		StatusText:  ev.StatusText,
		HTTPVersion: httpVersion(ev.Protocol),
		Headers:     nonNil(ev.ResponseHeaders),
		ContentSize: ev.EncodedSize,
		MimeType:    archive.BaseMimeType(ev.MimeType),
	}
	if ev.Body != nil && archive.IsTextual(ev.MimeType) {
		fctx, cancel := context.WithTimeout(ctx, b.opts.BodyTimeout)
		data, err := ev.Body(fctx)
		cancel()
		switch {
		case err != nil:
			b.logger.Debug("response body unavailable", "url", ev.URL, "err", err)
		default:
			if e.Response.ContentSize <= 0 {
				e.Response.ContentSize = int64(len(data))
			}
			if text, enc, ok := archive.EncodeBody(ev.MimeType, data, b.opts.MaxBodyBytes); ok {
				e.Response.BodyText = text
				e.Response.BodyEncoding = enc
			}
		}
	}
	return e
}

func failureEntry(rec *timingRecord, ev NetworkEvent) types.ArchiveEntry {
	e := requestEntry(rec, ev, 0)
	text := ev.ErrorText
	if text == "" {
		text = "request failed"
	}
	e.Response = types.ArchiveResponse{Headers: []types.Header{}, ErrorText: text}
	return e
}

func requestEntry(rec *timingRecord, ev NetworkEvent, limit int) types.ArchiveEntry {
	ct := archive.HeaderValue(rec.headers, "Content-Type")
	resourceType := rec.resourceType
	if resourceType == "" {
		resourceType = ev.ResourceType
	}
	return types.ArchiveEntry{
		ID:         rec.id,
		StartedAt:  rec.start,
		DurationMs: archive.DurationMs(rec.start, ev.Time),
		Request: types.ArchiveRequest{
			Method:      rec.method,
			URL:         rec.url,
			HTTPVersion: httpVersion(ev.Protocol),
			Headers:     nonNil(rec.headers),
			QueryParams: archive.QueryParams(rec.url),
			Body:        archive.RequestBody(ct, rec.postData, limit),
			BodySize:    int64(len(rec.postData)),
		},
		ResourceType: strings.ToLower(resourceType),
	}
}

func httpVersion(protocol string) string {
	switch strings.ToLower(protocol) {
	case "h2", "http/2", "http/2.0":
		return "HTTP/2.0"
	case "h3", "http/3":
		return "HTTP/3"
	case "http/1.0":
		return "HTTP/1.0"
	default:
		return "HTTP/1.1"
	}
}

func nonNil(h []types.Header) []types.Header {
	if h == nil {
		return []types.Header{}
	}
	return h
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

// Stop ends the session, closes the browser and drops any request still
// waiting for its response.
func (b *Backend) Stop(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries, ok := b.session.End()
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
		if err := b.driver.Close(); err != nil {
			b.logger.Warn("close browser", "err", err)
		}
		b.wg.Wait()
	}
	b.timings.reset()
	if !ok {
		return nil, nil, nil
	}
	return &sess, entries, nil
}

func (b *Backend) Status(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries := b.session.Current()
	return sess, entries, nil
}
