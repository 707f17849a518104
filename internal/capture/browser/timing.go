package browser

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/apirecorder/pkg/types"
)

// timingRecord holds a request between its start and its outcome.
type timingRecord struct {
	id           string
	seq          uint64
	start        time.Time
	method       string
	url          string
	headers      []types.Header
	postData     []byte
	resourceType string
}

// timingTable correlates responses with requests by URL. Callbacks for
// concurrent requests interleave, so every access goes through mu.
type timingTable struct {
	mu   sync.Mutex
	next uint64
	recs map[string]*timingRecord
}

func newTimingTable() *timingTable {
	return &timingTable{recs: make(map[string]*timingRecord)}
}

func (t *timingTable) add(ev NetworkEvent) *timingRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	rec := &timingRecord{
		id:           uuid.NewString(),
		seq:          t.next,
		start:        ev.Time,
		method:       ev.Method,
		url:          ev.URL,
		headers:      ev.Headers,
		postData:     ev.PostData,
		resourceType: ev.ResourceType,
	}
	t.recs[rec.id] = rec
	return rec
}

// take removes and returns the oldest record for url. When none matches,
// for example after a redirect, a fresh record is synthesized from ev.
func (t *timingTable) take(ev NetworkEvent) (*timingRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best *timingRecord
	for _, rec := range t.recs {
		if rec.url != ev.URL {
			continue
		}
		if best == nil || rec.seq < best.seq {
			best = rec
		}
	}
	if best != nil {
		delete(t.recs, best.id)
		return best, true
	}
	t.next++
	method := ev.Method
	if method == "" {
		method = "GET"
	}
	return &timingRecord{
		id:           uuid.NewString(),
		seq:          t.next,
		start:        ev.Time,
		method:       method,
		url:          ev.URL,
		headers:      ev.Headers,
		resourceType: ev.ResourceType,
	}, false
}

func (t *timingTable) reset() {
	t.mu.Lock()
	t.recs = make(map[string]*timingRecord)
	t.mu.Unlock()
}

func (t *timingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.recs)
}
