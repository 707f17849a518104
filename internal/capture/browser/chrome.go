package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// ChromeOptions configure the Chrome instance started by ChromeDriver.
type ChromeOptions struct {
	Headless      bool
	ExecPath      string
	UserAgent     string
	LaunchTimeout time.Duration
	Logger        *slog.Logger
}

// ChromeDriver drives a Chrome or Chromium browser over the DevTools
// protocol. Each launch uses a throwaway profile.
type ChromeDriver struct {
	opts   ChromeOptions
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending map[network.RequestID]*pendingResponse
}

// pendingResponse waits for loadingFinished before it is reported.
type pendingResponse struct {
	method string
	url    string
	typ    network.ResourceType
	resp   *network.Response
}

var _ Driver = (*ChromeDriver)(nil)

func NewChromeDriver(opts ChromeOptions) *ChromeDriver {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 30 * time.Second
	}
	return &ChromeDriver{opts: opts, logger: observability.OrDiscard(opts.Logger)}
}

func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", d.opts.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
	)
	if d.opts.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.opts.ExecPath))
	}
	if d.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.opts.UserAgent))
	}
	return opts
}

// Launch starts the browser, enables network events and navigates to target
// in the background. Only a browser that cannot start is a launch error; a
// page that fails to load shows up as a failed request.
func (d *ChromeDriver) Launch(ctx context.Context, target string, sink chan<- NetworkEvent) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	d.mu.Lock()
	d.pending = make(map[network.RequestID]*pendingResponse)
	d.mu.Unlock()

	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		d.dispatch(browserCtx, ev, sink)
	})

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx, network.Enable()) }()
	select {
	case err := <-started:
		if err != nil {
			cancel()
			return fmt.Errorf("start chrome: %w", err)
		}
	case <-time.After(d.opts.LaunchTimeout):
		cancel()
		return fmt.Errorf("start chrome: no response within %s", d.opts.LaunchTimeout)
	}

	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	go func() {
		if err := chromedp.Run(browserCtx, chromedp.Navigate(target)); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Warn("navigate", "target", target, "err", err)
		}
	}()
	return nil
}

// Close shuts the browser down. It is safe to call when nothing runs.
func (d *ChromeDriver) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.pending = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// dispatch runs on the DevTools event loop and must not block on the
// browser; body fetches are left to the consumer through NetworkEvent.Body.
func (d *ChromeDriver) dispatch(ctx context.Context, ev interface{}, sink chan<- NetworkEvent) {
	now := time.Now().UTC()
	var out []NetworkEvent
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Request == nil {
			return
		}
		d.mu.Lock()
		if d.pending == nil {
			d.mu.Unlock()
			return
		}
		// a redirect reuses the request id; the previous hop ends here
		if prev, ok := d.pending[e.RequestID]; ok && e.RedirectResponse != nil {
			out = append(out, responseEvent(now, prev.method, prev.url, prev.typ, e.RedirectResponse, nil))
		}
		d.pending[e.RequestID] = &pendingResponse{method: e.Request.Method, url: e.Request.URL + e.Request.URLFragment, typ: e.Type}
		d.mu.Unlock()
		out = append(out, NetworkEvent{
			Kind:         RequestStarted,
			Time:         now,
			Method:       e.Request.Method,
			URL:          e.Request.URL + e.Request.URLFragment,
			Headers:      headerPairs(e.Request.Headers),
			PostData:     postData(e.Request),
			ResourceType: string(e.Type),
		})
	case *network.EventResponseReceived:
		d.mu.Lock()
		if p, ok := d.pending[e.RequestID]; ok {
			p.resp = e.Response
			if e.Type != "" {
				p.typ = e.Type
			}
		}
		d.mu.Unlock()
	case *network.EventLoadingFinished:
		d.mu.Lock()
		p, ok := d.pending[e.RequestID]
		delete(d.pending, e.RequestID)
		d.mu.Unlock()
		if !ok || p.resp == nil {
			return
		}
		id := e.RequestID
		fetch := func(fctx context.Context) ([]byte, error) {
			c := chromedp.FromContext(ctx)
			if c == nil || c.Target == nil {
				return nil, errors.New("browser target is gone")
			}
			return network.GetResponseBody(id).Do(cdp.WithExecutor(fctx, c.Target))
		}
		rev := responseEvent(now, p.method, p.url, p.typ, p.resp, fetch)
		if e.EncodedDataLength > 0 {
			rev.EncodedSize = int64(e.EncodedDataLength)
		}
		out = append(out, rev)
	case *network.EventLoadingFailed:
		d.mu.Lock()
		p, ok := d.pending[e.RequestID]
		delete(d.pending, e.RequestID)
		d.mu.Unlock()
		if !ok {
			return
		}
		text := e.ErrorText
		if e.Canceled && text == "" {
			text = "canceled"
		}
		if e.BlockedReason != "" {
			text = strings.TrimSpace(text + " (blocked: " + string(e.BlockedReason) + ")")
		}
		out = append(out, NetworkEvent{
			Kind:         RequestFailed,
			Time:         now,
			Method:       p.method,
			URL:          p.url,
			ResourceType: string(p.typ),
			ErrorText:    text,
		})
	default:
		return
	}
	for _, nev := range out {
		select {
		case sink <- nev:
		case <-ctx.Done():
			return
		}
	}
}

func responseEvent(now time.Time, method, url string, typ network.ResourceType, resp *network.Response, fetch func(context.Context) ([]byte, error)) NetworkEvent {
	return NetworkEvent{
		Kind:            ResponseFinished,
		Time:            now,
		Method:          method,
		URL:             url,
		ResourceType:    string(typ),
		Status:          int(resp.Status),
		StatusText:      resp.StatusText,
		Protocol:        resp.Protocol,
		ResponseHeaders: headerPairs(resp.Headers),
		MimeType:        resp.MimeType,
		EncodedSize:     int64(resp.EncodedDataLength),
		Body:            fetch,
	}
}

// headerPairs flattens DevTools headers. Chrome joins repeated headers with
// newlines, so they are split back into separate pairs.
func headerPairs(h network.Headers) []types.Header {
	if len(h) == 0 {
		return []types.Header{}
	}
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]types.Header, 0, len(keys))
	for _, k := range keys {
		for _, v := range strings.Split(fmt.Sprint(h[k]), "\n") {
			out = append(out, types.Header{Name: k, Value: v})
		}
	}
	return out
}

func postData(req *network.Request) []byte {
	if !req.HasPostData {
		return nil
	}
	var out []byte
	for _, part := range req.PostDataEntries {
		if part == nil {
			continue
		}
		if b, err := base64.StdEncoding.DecodeString(part.Bytes); err == nil {
			out = append(out, b...)
		}
	}
	return out
}
