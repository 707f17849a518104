// Package mitm supervises an external TLS-intercepting proxy process and
// bridges its output into capture sessions through a small file mailbox.
//
// The mailbox lives in one directory:
//
//	capture.json  the child's running archive, replaced atomically on every change
//	pause         marker asking the child to stop recording
//	resume        marker asking the child to record again
//	clear         marker asking the child to drop its archive
//	proxy.pid     pid of the child, written by the supervisor
//
// Markers carry the literal "signal\n"; only their presence matters. The
// child removes a marker once it has acted on it. Nothing acknowledges a
// marker, so control is eventually consistent.
package mitm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/apirecorder/internal/har"
)

const (
	CaptureFileName = "capture.json"
	PidFileName     = "proxy.pid"
	markerContent   = "signal\n"
)

// Marker is a control signal file name.
type Marker string

const (
	MarkerPause  Marker = "pause"
	MarkerResume Marker = "resume"
	MarkerClear  Marker = "clear"
)

var allMarkers = []Marker{MarkerPause, MarkerResume, MarkerClear}

// CaptureFile is the content of capture.json. TotalRequests counts the
// entries recorded in the current generation; a clear starts a new
// generation with an empty log.
type CaptureFile struct {
	SessionID     string         `json:"sessionId"`
	Port          int            `json:"port"`
	StartedAt     time.Time      `json:"startedAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Paused        bool           `json:"paused"`
	Generation    int            `json:"generation"`
	TotalRequests int            `json:"totalRequests"`
	Log           CaptureFileLog `json:"log"`
}

type CaptureFileLog struct {
	Entries []har.Entry `json:"entries"`
}

// Mailbox addresses the files of one control directory.
type Mailbox struct {
	Dir string
	// File overrides the capture file location.
	File string
}

func (m Mailbox) CapturePath() string {
	if m.File != "" {
		return m.File
	}
	return filepath.Join(m.Dir, CaptureFileName)
}

func (m Mailbox) PidPath() string            { return filepath.Join(m.Dir, PidFileName) }
func (m Mailbox) MarkerPath(k Marker) string { return filepath.Join(m.Dir, string(k)) }

func (m Mailbox) ensureDir() error {
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("create control dir: %w", err)
	}
	return nil
}

// ReadCapture reads capture.json. A missing, empty or garbled file is an
// error the caller treats as "nothing new yet".
func (m Mailbox) ReadCapture() (*CaptureFile, error) {
	return ReadCaptureFile(m.CapturePath())
}

// ReadCaptureFile decodes a capture file at path.
func ReadCaptureFile(path string) (*CaptureFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("mitm: capture file is empty")
	}
	var cf CaptureFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("mitm: decode capture file: %w", err)
	}
	return &cf, nil
}

// WriteCapture replaces capture.json through a temp file and a rename, so a
// reader sees either the old or the new content.
func (m Mailbox) WriteCapture(cf *CaptureFile) error {
	data, err := json.Marshal(cf)
	if err != nil {
		return fmt.Errorf("mitm: encode capture file: %w", err)
	}
	return m.writeAtomic(m.CapturePath(), data, 0o644)
}

func (m Mailbox) writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := m.ensureDir(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("mitm: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mitm: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mitm: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("mitm: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Signal drops a marker for the child.
func (m Mailbox) Signal(k Marker) error {
	return m.writeAtomic(m.MarkerPath(k), []byte(markerContent), 0o644)
}

// Take reports whether marker k is present and removes it.
func (m Mailbox) Take(k Marker) bool {
	path := m.MarkerPath(k)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	return os.Remove(path) == nil
}

// ClearStale removes the capture file and every marker left by an earlier run.
func (m Mailbox) ClearStale() error {
	var errs []error
	for _, p := range append([]string{m.CapturePath()}, m.markerPaths()...) {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Mailbox) markerPaths() []string {
	out := make([]string, 0, len(allMarkers))
	for _, k := range allMarkers {
		out = append(out, m.MarkerPath(k))
	}
	return out
}

// RemoveCapture deletes capture.json so it is not taken for an orphan's
// output on the next start.
func (m Mailbox) RemoveCapture() error {
	if err := os.Remove(m.CapturePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (m Mailbox) WritePid(pid int) error {
	return m.writeAtomic(m.PidPath(), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// ReadPid returns the recorded child pid, or 0 when there is none.
func (m Mailbox) ReadPid() int {
	data, err := os.ReadFile(m.PidPath())
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}

func (m Mailbox) RemovePid() {
	_ = os.Remove(m.PidPath())
}
