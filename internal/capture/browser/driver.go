// Package browser records the network traffic of a controlled browser.
package browser

import (
	"context"
	"time"

	"github.com/yourorg/apirecorder/pkg/types"
)

// EventKind tells what a NetworkEvent reports.
type EventKind int

const (
	// RequestStarted is sent when the page issues a request.
	RequestStarted EventKind = iota
	// ResponseFinished is sent once a response body is fully loaded.
	ResponseFinished
	// RequestFailed is sent when a request ends without a response.
	RequestFailed
)

// NetworkEvent is a browser network notification, already stripped of the
// automation protocol's own types.
type NetworkEvent struct {
	Kind EventKind
	Time time.Time

	Method       string
	URL          string
	Headers      []types.Header
	PostData     []byte
	ResourceType string

	Status          int
	StatusText      string
	Protocol        string
	ResponseHeaders []types.Header
	MimeType        string
	EncodedSize     int64
	// Body fetches the response body on demand. It may be nil.
	Body func(ctx context.Context) ([]byte, error)

	ErrorText string
}

// Driver launches a browser on target and reports its traffic on sink until
// Close. A driver may be launched again after Close.
type Driver interface {
	Launch(ctx context.Context, target string, sink chan<- NetworkEvent) error
	Close() error
}
