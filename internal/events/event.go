package events

import "sync"

// Event represents a structured state change emitted by the ledger.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. logs, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans an event out to every non-nil emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}

// Recorder keeps every emitted event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a snapshot of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events whose EventType matches typ.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, evt := range r.Events() {
		if evt.EventType() == typ {
			out = append(out, evt)
		}
	}
	return out
}
