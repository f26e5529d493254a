package app

import (
	"sync"

	"github.com/louisbranch/vigil/internal/services/agents/domain/event"
)

// History keeps a bounded per-agent buffer of recently processed events for
// pattern windowing. The event deliverer owns durability; this buffer only
// needs enough depth to cover the widest configured pattern window.
type History struct {
	mu       sync.Mutex
	capacity int
	byAgent  map[string][]event.Event
}

// NewHistory creates a history buffer keeping up to capacity events per
// agent.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 100
	}
	return &History{
		capacity: capacity,
		byAgent:  make(map[string][]event.Event),
	}
}

// Append records one processed event for an agent, evicting the oldest when
// the buffer is full.
func (h *History) Append(agentID string, evt event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := append(h.byAgent[agentID], evt)
	if len(events) > h.capacity {
		events = events[len(events)-h.capacity:]
	}
	h.byAgent[agentID] = events
}

// Recent returns the buffered events for an agent, oldest first.
func (h *History) Recent(agentID string) []event.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	events := h.byAgent[agentID]
	out := make([]event.Event, len(events))
	copy(out, events)
	return out
}

// Drop forgets an agent's buffer. Called when an agent stops.
func (h *History) Drop(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.byAgent, agentID)
}
