// Package stream fans capture events out to realtime observers.
package stream

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/yourorg/apirecorder/internal/observability"
	"github.com/yourorg/apirecorder/pkg/types"
)

// Sink is one observer. Send must not block; an error removes the sink.
type Sink interface {
	Send(payload []byte) error
}

// Hub is a best-effort fan-out: no retry, no backpressure.
type Hub struct {
	mu      sync.RWMutex
	sinks   map[Sink]struct{}
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewHub(logger *slog.Logger, metrics *observability.Metrics) *Hub {
	return &Hub{
		sinks:   make(map[Sink]struct{}),
		logger:  observability.OrDiscard(logger),
		metrics: metrics,
	}
}

func (h *Hub) Subscribe(s Sink) {
	h.mu.Lock()
	h.sinks[s] = struct{}{}
	n := len(h.sinks)
	h.mu.Unlock()
	h.setGauge(n)
}

func (h *Hub) Unsubscribe(s Sink) {
	h.mu.Lock()
	delete(h.sinks, s)
	n := len(h.sinks)
	h.mu.Unlock()
	h.setGauge(n)
}

// Len returns the number of current observers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Publish serializes ev once and hands it to every observer.
func (h *Hub) Publish(ev types.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}
	// snapshot to avoid holding the lock while sending
	h.mu.RLock()
	sinks := make([]Sink, 0, len(h.sinks))
	for s := range h.sinks {
		sinks = append(sinks, s)
	}
	h.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Send(data); err != nil {
			h.logger.Debug("drop observer", "err", err)
			h.Unsubscribe(s)
			if h.metrics != nil {
				h.metrics.DroppedSubscribers.Inc()
			}
		}
	}
}

func (h *Hub) setGauge(n int) {
	if h.metrics != nil {
		h.metrics.Subscribers.Set(float64(n))
	}
}
