// Package event implements the push side of the signaling client: the
// per-entity instance map, the subscription registry, the notification
// router with its payload transforms, and cancellable waiters over the
// routed stream.
package event

import (
	"encoding/json"
	"sync"
)

// Wildcard subscribes a handler to every event of an emitter.
const Wildcard = "*"

// Event is one routed server notification as delivered to local listeners.
type Event struct {
	// Type is the full dot-delimited wire type, e.g. "video.member.joined".
	Type string
	// Name is Type with the leading namespace segment stripped, e.g.
	// "member.joined". Routing decisions use Name; Type stays untouched.
	Name string
	// Payload is the transformed event payload.
	Payload map[string]any
	// Raw is the untouched wire payload.
	Raw json.RawMessage
	// Instance is the target entity, nil for session-level events.
	Instance *Instance
}

// Handler consumes one event. Handlers run on the session's event loop and
// must not block; long work belongs in a waiter or a goroutine.
type Handler func(Event)

type registration struct {
	name string
	fn   Handler
	once bool
}

// Emitter is a per-entity or session-level publish point.
type Emitter struct {
	mu       sync.Mutex
	handlers []*registration
}

func NewEmitter() *Emitter {
	return &Emitter{}
}

// On attaches a handler for name (or Wildcard) and returns a detach func.
func (e *Emitter) On(name string, fn Handler) func() {
	return e.attach(name, fn, false)
}

// Once attaches a handler removed after its first invocation.
func (e *Emitter) Once(name string, fn Handler) func() {
	return e.attach(name, fn, true)
}

func (e *Emitter) attach(name string, fn Handler, once bool) func() {
	reg := &registration{name: name, fn: fn, once: once}
	e.mu.Lock()
	e.handlers = append(e.handlers, reg)
	e.mu.Unlock()
	return func() { e.remove(reg) }
}

// Off removes every handler attached for name.
func (e *Emitter) Off(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.handlers[:0]
	for _, reg := range e.handlers {
		if reg.name != name {
			kept = append(kept, reg)
		}
	}
	e.handlers = kept
}

func (e *Emitter) remove(target *registration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, reg := range e.handlers {
		if reg == target {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Emit delivers ev to handlers registered for ev.Name and to wildcard
// handlers, in attach order.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	matched := make([]*registration, 0, len(e.handlers))
	kept := e.handlers[:0]
	for _, reg := range e.handlers {
		if reg.name == ev.Name || reg.name == Wildcard {
			matched = append(matched, reg)
			if reg.once {
				continue
			}
		}
		kept = append(kept, reg)
	}
	e.handlers = kept
	e.mu.Unlock()

	for _, reg := range matched {
		reg.fn(ev)
	}
}

// Len reports the number of attached handlers.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}
