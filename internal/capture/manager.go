package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// Publisher receives every event a backend emits.
type Publisher interface {
	Publish(ev types.Event)
}

// SessionSaver persists finished sessions.
type SessionSaver interface {
	SaveSession(sess types.CaptureSession, entries []types.ArchiveEntry) error
}

// ManagerOptions carries the collaborators of a Manager. All fields are optional.
type ManagerOptions struct {
	Publisher Publisher
	Store     SessionSaver
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Manager owns the lifecycle of one backend and mediates between its session
// and realtime distribution. Control operations are serialized, so concurrent
// starts resolve to one session.
type Manager struct {
	backend Backend
	pub     Publisher
	store   SessionSaver
	logger  *slog.Logger
	metrics *observability.Metrics

	opMu sync.Mutex

	mu          sync.Mutex
	lastSession *types.CaptureSession
	lastEntries []types.ArchiveEntry
}

func NewManager(b Backend, opts ManagerOptions) *Manager {
	return &Manager{
		backend: b,
		pub:     opts.Publisher,
		store:   opts.Store,
		logger:  observability.OrDiscard(opts.Logger).With("backend", string(b.Kind())),
		metrics: opts.Metrics,
	}
}

// Kind returns the managed backend kind.
func (m *Manager) Kind() types.BackendKind { return m.backend.Kind() }

// Run drains backend events into the publisher until ctx is done or the
// backend closes its channel.
func (m *Manager) Run(ctx context.Context) {
	events := m.backend.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.observe(ev)
			if m.pub != nil {
				m.pub.Publish(ev)
			}
		}
	}
}

func (m *Manager) observe(ev types.Event) {
	if m.metrics == nil {
		return
	}
	kind := string(m.backend.Kind())
	switch ev.Type {
	case types.EventNewRequest:
		m.metrics.EntriesTotal.WithLabelValues(kind).Inc()
		if ev.Data != nil && ev.Data.ErrorText != "" {
			m.metrics.TransportErrorsTotal.WithLabelValues(kind).Inc()
		}
	case types.EventSessionUpdate:
		if ev.Session == nil {
			return
		}
		if ev.Session.Active() {
			m.metrics.ActiveSessions.WithLabelValues(kind).Set(1)
		} else {
			m.metrics.ActiveSessions.WithLabelValues(kind).Set(0)
		}
	}
}

func (m *Manager) Start(ctx context.Context, target string) types.ControlResult {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sess, err := m.backend.Start(ctx, target)
	if err != nil {
		m.logger.Error("start capture", "target", target, "err", err)
		res := failure(err)
		if sess.ID != "" {
			res.Session = &sess
		}
		return res
	}
	m.logger.Info("capture started", "session", sess.ID, "target", sess.Target)
	return types.ControlResult{Success: true, Session: &sess}
}

func (m *Manager) Pause(ctx context.Context) types.ControlResult {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.control(m.backend.Pause(ctx))
}

func (m *Manager) Resume(ctx context.Context) types.ControlResult {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.control(m.backend.Resume(ctx))
}

func (m *Manager) Clear(ctx context.Context) types.ControlResult {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.control(m.backend.Clear(ctx))
}

func (m *Manager) control(sess types.CaptureSession, err error) types.ControlResult {
	if err != nil {
		res := failure(err)
		if sess.ID != "" {
			res.Session = &sess
		}
		return res
	}
	return types.ControlResult{Success: true, Session: &sess}
}

// Stop ends the active session. Stopping with nothing active succeeds with an
// empty archive.
func (m *Manager) Stop(ctx context.Context) types.ControlResult {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	sess, entries, err := m.backend.Stop(ctx)
	if err != nil {
		m.logger.Error("stop capture", "err", err)
		return failure(err)
	}
	if sess == nil {
		return types.ControlResult{Success: true, Summaries: []types.EntrySummary{}}
	}
	m.mu.Lock()
	snap := *sess
	m.lastSession = &snap
	m.lastEntries = entries
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.SaveSession(*sess, entries); err != nil {
			m.logger.Error("persist session", "session", sess.ID, "err", err)
		}
	}
	m.logger.Info("capture stopped", "session", sess.ID, "entries", len(entries))
	return types.ControlResult{Success: true, Session: sess, Summaries: archive.SummarizeAll(entries)}
}

// Status reports the active (or reattached) session with its summaries.
func (m *Manager) Status(ctx context.Context) types.ControlResult {
	sess, entries, err := m.backend.Status(ctx)
	if err != nil {
		return failure(err)
	}
	if sess == nil {
		return types.ControlResult{Success: true}
	}
	return types.ControlResult{Success: true, Session: sess, Summaries: archive.SummarizeAll(entries)}
}

// Archive returns the entries of the active session, or of the last stopped
// one when nothing is active.
func (m *Manager) Archive(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error) {
	sess, entries, err := m.backend.Status(ctx)
	if err != nil {
		return nil, nil, err
	}
	if sess != nil && sess.Active() {
		return sess, entries, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSession == nil {
		return sess, entries, nil
	}
	snap := *m.lastSession
	out := make([]types.ArchiveEntry, len(m.lastEntries))
	copy(out, m.lastEntries)
	return &snap, out, nil
}

// Close stops the backend; it is wired to host shutdown.
func (m *Manager) Close(ctx context.Context) error {
	res := m.Stop(ctx)
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func failure(err error) types.ControlResult {
	return types.ControlResult{Success: false, Error: err.Error()}
}
