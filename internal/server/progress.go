package server

import (
	"sync"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/pipeline"
)

// subscriberBuffer is how many events a slow subscriber may fall behind
// before events are dropped for it.
const subscriberBuffer = 32

// ProgressHub fans engine progress events out to stream subscribers by case.
type ProgressHub struct {
	mu   sync.Mutex
	subs map[string]map[chan pipeline.ProgressEvent]struct{}
}

// NewProgressHub creates an empty hub.
func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[string]map[chan pipeline.ProgressEvent]struct{})}
}

// Publish delivers ev to every subscriber of its case without blocking.
// It has the signature of pipeline.ProgressCallback.
func (h *ProgressHub) Publish(ev pipeline.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.CaseID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a channel of events for caseID and a function that
// cancels the subscription.
func (h *ProgressHub) Subscribe(caseID string) (<-chan pipeline.ProgressEvent, func()) {
	ch := make(chan pipeline.ProgressEvent, subscriberBuffer)
	h.mu.Lock()
	if h.subs[caseID] == nil {
		h.subs[caseID] = make(map[chan pipeline.ProgressEvent]struct{})
	}
	h.subs[caseID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[caseID], ch)
			if len(h.subs[caseID]) == 0 {
				delete(h.subs, caseID)
			}
			h.mu.Unlock()
		})
	}
}

func (h *ProgressHub) subscribers(caseID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[caseID])
}
