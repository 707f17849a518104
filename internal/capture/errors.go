package capture

import (
	"errors"
	"fmt"

	"github.com/yourorg/apirecorder/pkg/types"
)

var (
	// ErrNoSession is returned by control operations when nothing is recording.
	ErrNoSession = errors.New("capture: no active session")
	// ErrNotRecording is returned by Pause outside the recording state.
	ErrNotRecording = errors.New("capture: session is not recording")
	// ErrNotPaused is returned by Resume outside the paused state.
	ErrNotPaused = errors.New("capture: session is not paused")
	// ErrProcessLost marks a session whose capture process exited on its own.
	ErrProcessLost = errors.New("capture: capture process exited unexpectedly")
)

// LaunchError reports that a backend could not start its capture mechanism.
// It is fatal for the start attempt and never retried.
type LaunchError struct {
	Backend types.BackendKind
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("capture: launch %s backend: %v", e.Backend, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NewLaunchError wraps err as a launch failure of the given backend.
func NewLaunchError(kind types.BackendKind, err error) error {
	return &LaunchError{Backend: kind, Err: err}
}

// IsLaunchError reports whether err is, or wraps, a LaunchError.
func IsLaunchError(err error) bool {
	var le *LaunchError
	return errors.As(err, &le)
}
