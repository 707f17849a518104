package store

import (
	"errors"

	"github.com/yourorg/apirecorder/pkg/types"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("store: session not found")

// Store persists finished capture sessions with their archives.
type Store interface {
	SaveSession(sess types.CaptureSession, entries []types.ArchiveEntry) error
	GetSession(id string) (*types.StoredSession, error)
	ListSessions() ([]types.StoredSession, error)
	GetEntries(sessionID string) ([]types.ArchiveEntry, error)
	DeleteSession(id string) error

	Close() error
}
