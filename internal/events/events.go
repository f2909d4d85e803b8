// Package events fans host status changes out to subscribers and keeps a
// short per-host history of them.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// The history is a fixed-size ring per host, independent of subscribers.
package events

import (
	"sync"
	"time"
)

const (
	historySize       = 100
	subscriberBufSize = 32
)

type Type string

const (
	StatusChanged Type = "status_changed"
	HostAdded     Type = "host_added"
	HostUpdated   Type = "host_updated"
	HostDeleted   Type = "host_deleted"
)

type Event struct {
	Type      Type      `json:"type"`
	HostID    string    `json:"host_id"`
	Status    string    `json:"status,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ring is a fixed-size buffer of events for one host.
type ring struct {
	events [historySize]Event
	head   int // next write position
	count  int
}

func (r *ring) record(e Event) {
	r.events[r.head] = e
	r.head = (r.head + 1) % historySize
	if r.count < historySize {
		r.count++
	}
}

// history returns events oldest first.
func (r *ring) history() []Event {
	out := make([]Event, r.count)
	if r.count < historySize {
		copy(out, r.events[:r.count])
		return out
	}
	n := copy(out, r.events[r.head:])
	copy(out[n:], r.events[:r.head])
	return out
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	buffers map[string]*ring
	now     func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[chan Event]struct{}),
		buffers: make(map[string]*ring),
		now:     time.Now,
	}
}

// Subscribe returns a channel receiving every event published from now on.
// Release it with Unsubscribe.
func (h *Hub) Subscribe() <-chan Event {
	ch := make(chan Event, subscriberBufSize)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch. Unknown channels are ignored.
func (h *Hub) Unsubscribe(ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.subs {
		if c == ch {
			delete(h.subs, c)
			close(c)
			return
		}
	}
}

// Publish records e and delivers it to every subscriber with room for it.
// It returns the number of subscribers that received it.
func (h *Hub) Publish(e Event) int {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if e.HostID != "" {
		buf, ok := h.buffers[e.HostID]
		if !ok {
			buf = &ring{}
			h.buffers[e.HostID] = buf
		}
		buf.record(e)
	}
	if e.Type == HostDeleted {
		delete(h.buffers, e.HostID)
	}

	delivered := 0
	for ch := range h.subs {
		select {
		case ch <- e:
			delivered++
		default:
		}
	}
	return delivered
}

// History returns the recorded events for hostID, oldest first.
func (h *Hub) History(hostID string) []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	buf, ok := h.buffers[hostID]
	if !ok {
		return nil
	}
	return buf.history()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
