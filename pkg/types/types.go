package types

import "time"

// BackendKind names one of the interchangeable capture backends.
type BackendKind string

const (
	BackendBrowser BackendKind = "browser"
	BackendProxy   BackendKind = "proxy"
	BackendMITM    BackendKind = "mitm"
)

// SessionStatus is the state of a capture session.
type SessionStatus string

const (
	StatusRecording SessionStatus = "recording"
	StatusPaused    SessionStatus = "paused"
	StatusStopped   SessionStatus = "stopped"
	StatusError     SessionStatus = "error"
)

// CaptureSession records one recording run of a backend.
type CaptureSession struct {
	ID            string        `json:"id"`
	Backend       BackendKind   `json:"backend"`
	Target        string        `json:"target"`
	StartTime     time.Time     `json:"startTime"`
	EndTime       *time.Time    `json:"endTime,omitempty"`
	Status        SessionStatus `json:"status"`
	CapturedCount int           `json:"capturedCount"`
	PausedAt      *time.Time    `json:"pausedAt,omitempty"`
	ResumedAt     *time.Time    `json:"resumedAt,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
}

// Active reports whether the session still accepts control operations.
func (s CaptureSession) Active() bool {
	return s.Status == StatusRecording || s.Status == StatusPaused
}

// EventType discriminates realtime events.
type EventType string

const (
	EventNewRequest    EventType = "new-request"
	EventSessionUpdate EventType = "session-update"
)

// Event is one realtime notification fanned out to observers.
type Event struct {
	Type    EventType       `json:"type"`
	Data    *EntrySummary   `json:"data,omitempty"`
	Session *CaptureSession `json:"session,omitempty"`
}

// ControlResult is returned by every control operation.
type ControlResult struct {
	Success   bool            `json:"success"`
	Session   *CaptureSession `json:"session,omitempty"`
	Summaries []EntrySummary  `json:"summaries,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// StoredSession is a finished session persisted with its archive.
type StoredSession struct {
	CaptureSession
	EntryCount int       `json:"entryCount"`
	SavedAt    time.Time `json:"savedAt"`
}
