// Package events fans out run progress to API streams and the TUI.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Type names an event kind.
type Type string

const (
	PipelineCreated    Type = "pipeline.created"
	PipelineFinished   Type = "pipeline.finished"
	PipelineSuperseded Type = "pipeline.superseded"
	JobStatus          Type = "job.status"
	JobRetried         Type = "job.retried"
	HousekeepingPruned Type = "housekeeping.pruned"
	DefinitionReloaded Type = "definition.reloaded"
)

type Event struct {
	ID   int64           `json:"id"`
	Type Type            `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// PipelineData is the payload of pipeline.* events.
type PipelineData struct {
	RunID    string `json:"run_id"`
	Project  string `json:"project"`
	Ref      string `json:"ref"`
	Status   string `json:"status"`
	Jobs     int    `json:"jobs,omitempty"`
	Newer    string `json:"superseded_by,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
}

// JobData is the payload of job.* events.
type JobData struct {
	RunID          string  `json:"run_id"`
	Job            string  `json:"job"`
	Stage          string  `json:"stage"`
	Status         string  `json:"status"`
	Attempt        int     `json:"attempt,omitempty"`
	Agent          string  `json:"agent,omitempty"`
	FailureReason  string  `json:"failure_reason,omitempty"`
	AllowedFailure bool    `json:"allowed_failure,omitempty"`
	Coverage       float64 `json:"coverage,omitempty"`
}

// Publisher is the producer side of a Hub.
type Publisher interface {
	Publish(eventType Type, data any)
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

var _ Publisher = (*Hub)(nil)

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

func (h *Hub) Publish(eventType Type, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		// Slow subscribers miss events rather than stall the engine.
		select {
		case ch <- ev:
		default:
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a buffered listener. The returned func unsubscribes
// and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 256)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// If lastID is 0, the full ring buffer snapshot is returned.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Type, any) {}
