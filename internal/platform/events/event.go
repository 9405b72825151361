// Package events delivers committed state changes to websocket subscribers,
// optionally fanned out across replicas through Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Event is one committed state change. Topic is the resource kind ("unit",
// "incident", "handover", "bed", "admission").
type Event struct {
	Type       string          `json:"type"`
	Topic      string          `json:"topic"`
	ResourceID string          `json:"resource_id,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// New builds an event whose Data is the JSON form of v.
func New(typ, topic, id string, at time.Time, v any) Event {
	ev := Event{Type: typ, Topic: topic, ResourceID: id, Timestamp: at}
	if v != nil {
		if data, err := json.Marshal(v); err == nil {
			ev.Data = data
		}
	}
	return ev
}

// Publisher delivers events. Implementations must not block on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory. Tests use it to assert on what
// a service emitted.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	evs := r.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}
