package event

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Instance is the in-process representation of one remote entity (call,
// member, playback, recording, message, task, room session). Updates mutate
// the snapshot in place so external references stay valid across the
// entity's whole event history.
type Instance struct {
	id        string
	namespace string
	kind      string
	parentID  string

	mu         sync.RWMutex
	snapshot   map[string]any
	terminated bool
	emitter    *Emitter
	waiters    []*Waiter
}

func newInstance(id, namespace, kind string) *Instance {
	return &Instance{
		id:        id,
		namespace: namespace,
		kind:      kind,
		snapshot:  make(map[string]any),
		emitter:   NewEmitter(),
	}
}

func (in *Instance) ID() string        { return in.id }
func (in *Instance) Namespace() string { return in.namespace }
func (in *Instance) Kind() string      { return in.kind }

// ParentID links a derived device (e.g. a screen share) to the member that
// spawned it. Empty for top-level entities.
func (in *Instance) ParentID() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.parentID
}

func (in *Instance) setParent(id string) {
	in.mu.Lock()
	in.parentID = id
	in.mu.Unlock()
}

// Snapshot returns a copy of the current payload state.
func (in *Instance) Snapshot() map[string]any {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make(map[string]any, len(in.snapshot))
	for k, v := range in.snapshot {
		out[k] = v
	}
	return out
}

// Field reads one snapshot key.
func (in *Instance) Field(key string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.snapshot[key]
	return v, ok
}

// Terminated reports whether the terminal event for this entity was already
// delivered.
func (in *Instance) Terminated() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.terminated
}

// On attaches a listener for name on this entity's emitter.
func (in *Instance) On(name string, fn Handler) func() { return in.emitter.On(name, fn) }

// Once attaches a one-shot listener.
func (in *Instance) Once(name string, fn Handler) func() { return in.emitter.Once(name, fn) }

// Off removes every listener for name.
func (in *Instance) Off(name string) { in.emitter.Off(name) }

// update merges payload into the snapshot, keeping object identity.
func (in *Instance) update(payload map[string]any) {
	in.mu.Lock()
	for k, v := range payload {
		in.snapshot[k] = v
	}
	in.mu.Unlock()
}

func (in *Instance) markTerminated() {
	in.mu.Lock()
	in.terminated = true
	in.mu.Unlock()
}

// Map owns every live entity instance, at most one per id. It is mutated
// only from the session's event loop; the mutex protects concurrent reads
// from caller goroutines.
type Map struct {
	mu   sync.RWMutex
	byID map[string]*Instance
}

func NewMap() *Map {
	return &Map{byID: make(map[string]*Instance)}
}

// GetOrCreate returns the live instance for id, creating it lazily on the
// first event that references the id.
func (m *Map) GetOrCreate(id, namespace, kind string) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in, ok := m.byID[id]; ok {
		return in
	}
	in := newInstance(id, namespace, kind)
	m.byID[id] = in
	log.Debug().Str("module", "event.map").Str("id", id).Str("kind", kind).Msg("instance created")
	return in
}

// Get returns the live instance for id, if any.
func (m *Map) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.byID[id]
	return in, ok
}

// Remove evicts id. Called strictly after the terminal event was emitted.
func (m *Map) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
	log.Debug().Str("module", "event.map").Str("id", id).Msg("instance removed")
}

// Len reports the number of live instances.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Each visits every live instance.
func (m *Map) Each(fn func(*Instance)) {
	m.mu.RLock()
	snapshot := make([]*Instance, 0, len(m.byID))
	for _, in := range m.byID {
		snapshot = append(snapshot, in)
	}
	m.mu.RUnlock()
	for _, in := range snapshot {
		fn(in)
	}
}
