package capture

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/apirecorder/internal/archive"
	"github.com/yourorg/apirecorder/pkg/types"
)

// Session is the recording state machine and archive log shared by all
// backends: idle -> recording <-> paused -> stopped, any -> error.
// The zero state (no current session) is idle.
type Session struct {
	kind   types.BackendKind
	events chan<- types.Event
	now    func() time.Time

	mu      sync.Mutex
	cur     *types.CaptureSession
	entries []types.ArchiveEntry
}

// NewSession returns an idle session emitting on events. events may be nil.
func NewSession(kind types.BackendKind, events chan<- types.Event) *Session {
	return &Session{kind: kind, events: events, now: func() time.Time { return time.Now().UTC() }}
}

// Begin starts a new recording run. If a run is already active it is returned
// unchanged with started=false.
func (s *Session) Begin(target string) (types.CaptureSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Active() {
		return *s.cur, false
	}
	s.cur = &types.CaptureSession{
		ID:        uuid.NewString(),
		Backend:   s.kind,
		Target:    target,
		StartTime: s.now(),
		Status:    types.StatusRecording,
	}
	s.entries = nil
	s.emitUpdateLocked()
	return *s.cur, true
}

// Pause mutes recording. Valid only from recording.
func (s *Session) Pause() (types.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.Active() {
		return types.CaptureSession{}, ErrNoSession
	}
	if s.cur.Status != types.StatusRecording {
		return *s.cur, ErrNotRecording
	}
	at := s.now()
	s.cur.Status = types.StatusPaused
	s.cur.PausedAt = &at
	s.emitUpdateLocked()
	return *s.cur, nil
}

// Resume unmutes recording. Valid only from paused.
func (s *Session) Resume() (types.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.Active() {
		return types.CaptureSession{}, ErrNoSession
	}
	if s.cur.Status != types.StatusPaused {
		return *s.cur, ErrNotPaused
	}
	at := s.now()
	s.cur.Status = types.StatusRecording
	s.cur.ResumedAt = &at
	s.emitUpdateLocked()
	return *s.cur, nil
}

// Clear empties the archive without touching the status.
func (s *Session) Clear() (types.CaptureSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.Active() {
		return types.CaptureSession{}, ErrNoSession
	}
	s.entries = nil
	s.cur.CapturedCount = 0
	s.emitUpdateLocked()
	return *s.cur, nil
}

// End finalizes the active run and returns it with its archive. When nothing
// is active it returns ok=false and leaves any previous state untouched.
func (s *Session) End() (sess types.CaptureSession, entries []types.ArchiveEntry, ok bool) {
	return s.end("")
}

// Lost finalizes the active run as stopped, recording why it ended.
func (s *Session) Lost(reason string) (types.CaptureSession, bool) {
	sess, _, ok := s.end(reason)
	return sess, ok
}

func (s *Session) end(reason string) (types.CaptureSession, []types.ArchiveEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || !s.cur.Active() {
		return types.CaptureSession{}, nil, false
	}
	at := s.now()
	s.cur.Status = types.StatusStopped
	s.cur.EndTime = &at
	if reason != "" {
		s.cur.ErrorMessage = reason
	}
	s.emitUpdateLocked()
	return *s.cur, s.copyEntriesLocked(), true
}

// Fail moves the current run to the error state. Stopped runs stay stopped.
func (s *Session) Fail(err error) types.CaptureSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		s.cur = &types.CaptureSession{ID: uuid.NewString(), Backend: s.kind, StartTime: s.now()}
	}
	if s.cur.Status == types.StatusStopped {
		return *s.cur
	}
	at := s.now()
	s.cur.Status = types.StatusError
	s.cur.EndTime = &at
	if err != nil {
		s.cur.ErrorMessage = err.Error()
	}
	s.emitUpdateLocked()
	return *s.cur
}

// Restore installs a run recovered from outside this process, such as the
// output of an orphaned capture process. It does nothing while a run is active.
func (s *Session) Restore(sess types.CaptureSession, entries []types.ArchiveEntry) (types.CaptureSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil && s.cur.Active() {
		return *s.cur, false
	}
	sess.Backend = s.kind
	if !sess.Active() {
		sess.Status = types.StatusRecording
	}
	s.entries = make([]types.ArchiveEntry, len(entries))
	copy(s.entries, entries)
	sess.CapturedCount = len(s.entries)
	s.cur = &sess
	s.emitUpdateLocked()
	return *s.cur, true
}

// Record appends entry while recording and reports whether it was kept.
func (s *Session) Record(entry types.ArchiveEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.Status != types.StatusRecording {
		return false
	}
	if entry.ID == "" {
		entry.ID = archive.NewID()
	}
	s.entries = append(s.entries, entry)
	s.cur.CapturedCount++
	summary := archive.Summarize(len(s.entries), entry)
	s.emitLocked(types.Event{Type: types.EventNewRequest, Data: &summary})
	s.emitUpdateLocked()
	return true
}

// Snapshot returns the current run, if any (including stopped and errored runs).
func (s *Session) Snapshot() (types.CaptureSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return types.CaptureSession{}, false
	}
	return *s.cur, true
}

// Current returns the run worth reporting with its archive: an active or a
// failed one. Stopped runs are history and yield nil.
func (s *Session) Current() (*types.CaptureSession, []types.ArchiveEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.Status == types.StatusStopped {
		return nil, nil
	}
	snap := *s.cur
	return &snap, s.copyEntriesLocked()
}

// Active reports whether a run is recording or paused.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.Active()
}

// Recording reports whether new entries would currently be kept.
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.Status == types.StatusRecording
}

// Entries returns a copy of the archive in completion order.
func (s *Session) Entries() []types.ArchiveEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyEntriesLocked()
}

func (s *Session) copyEntriesLocked() []types.ArchiveEntry {
	out := make([]types.ArchiveEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Session) emitUpdateLocked() {
	snap := *s.cur
	s.emitLocked(types.Event{Type: types.EventSessionUpdate, Session: &snap})
}

// emitLocked runs under mu so events leave in the same order state changed.
func (s *Session) emitLocked(ev types.Event) {
	if s.events == nil {
		return
	}
	s.events <- ev
}
