package stream

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrSlowObserver is returned when an observer's queue is full.
var ErrSlowObserver = errors.New("stream: observer queue full")

// ErrClosed is returned by Send after the observer went away.
var ErrClosed = errors.New("stream: observer closed")

const defaultQueue = 256

// queue decouples Hub.Publish from observer I/O: Send enqueues, a writer
// goroutine drains. The first write error closes the queue.
type queue struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newQueue(size int) *queue {
	if size <= 0 {
		size = defaultQueue
	}
	return &queue{ch: make(chan []byte, size), done: make(chan struct{})}
}

func (q *queue) Send(payload []byte) error {
	select {
	case <-q.done:
		return q.closedErr()
	default:
	}
	select {
	case q.ch <- payload:
		return nil
	default:
		q.fail(ErrSlowObserver)
		return ErrSlowObserver
	}
}

func (q *queue) fail(err error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *queue) closedErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	return ErrClosed
}

// Done is closed once the observer can no longer receive events.
func (q *queue) Done() <-chan struct{} { return q.done }

// Close detaches the observer.
func (q *queue) Close() { q.fail(ErrClosed) }

// SSESink writes events as `data: <json>\n\n` frames.
type SSESink struct {
	*queue
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink prepares w for an event stream. w must support flushing.
func NewSSESink(w http.ResponseWriter, size int) (*SSESink, error) {
	fl, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("stream: response writer cannot flush")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()
	return &SSESink{queue: newQueue(size), w: w, flusher: fl}, nil
}

// Serve writes queued frames until the observer fails or stop is closed.
func (s *SSESink) Serve(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.Close()
			return
		case <-s.done:
			return
		case payload := <-s.ch:
			if err := WriteSSE(s.w, payload); err != nil {
				s.fail(err)
				return
			}
			s.flusher.Flush()
		}
	}
}

// WriteSSE writes one event-stream frame.
func WriteSSE(w io.Writer, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// WSSink writes events as websocket text messages.
type WSSink struct {
	*queue
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func NewWSSink(conn *websocket.Conn, size int) *WSSink {
	return &WSSink{queue: newQueue(size), conn: conn, writeTimeout: 2 * time.Second}
}

// Serve pumps queued messages to the connection and watches for the peer
// closing it. It returns when either side is done and closes the connection.
func (s *WSSink) Serve() {
	go func() {
		// reads only detect client close
		for {
			if _, _, err := s.conn.ReadMessage(); err != nil {
				s.fail(err)
				return
			}
		}
	}()
	defer s.conn.Close()
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.ch:
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.fail(err)
				return
			}
		}
	}
}
