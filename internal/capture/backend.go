package capture

import (
	"context"

	"github.com/yourorg/apirecorder/pkg/types"
)

// Backend is one capture mechanism. Implementations push every session change
// and recorded entry onto Events in completion order.
//
// Start is idempotent while a session is active and returns that session.
// Stop is idempotent and returns a nil session when nothing was active.
type Backend interface {
	Kind() types.BackendKind
	Events() <-chan types.Event
	Start(ctx context.Context, target string) (types.CaptureSession, error)
	Pause(ctx context.Context) (types.CaptureSession, error)
	Resume(ctx context.Context) (types.CaptureSession, error)
	Clear(ctx context.Context) (types.CaptureSession, error)
	Stop(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error)
	Status(ctx context.Context) (*types.CaptureSession, []types.ArchiveEntry, error)
}

// Recorder accepts finished exchanges. Record reports whether the entry was kept.
type Recorder interface {
	Record(entry types.ArchiveEntry) bool
}
