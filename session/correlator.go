// Package session owns the signaling connection: the lifecycle state
// machine, the request correlator, heartbeats and bounded reconnection.
package session

import (
	"encoding/json"
	"sync"
	"time"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IDGenerator yields fresh correlation ids. Tests fix it to deterministic
// values; production uses uuids.
type IDGenerator func() jsonrpc.ID

// UUIDGenerator is the default id source.
func UUIDGenerator() jsonrpc.ID {
	return jsonrpc.ID(uuid.NewString())
}

// Outcome is a request's settlement: exactly one of Result/Err.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

type pendingRequest struct {
	id      jsonrpc.ID
	method  string
	created time.Time
	ch      chan Outcome
	timer   *time.Timer
}

// Correlator tracks in-flight requests by id and settles each exactly once:
// on its response, on its deadline or on session teardown. Ids are never
// reused while pending.
type Correlator struct {
	gen IDGenerator

	mu    sync.Mutex
	table map[jsonrpc.ID]*pendingRequest
}

func NewCorrelator(gen IDGenerator) *Correlator {
	if gen == nil {
		gen = UUIDGenerator
	}
	return &Correlator{
		gen:   gen,
		table: make(map[jsonrpc.ID]*pendingRequest),
	}
}

// Register creates a pending entry with a fresh id. When timeout is
// positive the entry self-rejects with ErrRequestTimeout at the deadline.
// The returned channel receives exactly one Outcome.
func (c *Correlator) Register(method string, timeout time.Duration) (jsonrpc.ID, <-chan Outcome) {
	p := &pendingRequest{
		id:      c.gen(),
		method:  method,
		created: time.Now(),
		ch:      make(chan Outcome, 1),
	}

	c.mu.Lock()
	c.table[p.id] = p
	c.mu.Unlock()

	if timeout > 0 {
		id := p.id
		p.timer = time.AfterFunc(timeout, func() {
			if c.Reject(id, sigerr.ErrRequestTimeout) {
				log.Warn().Str("module", "session.correlator").Str("id", string(id)).Str("method", method).Dur("timeout", timeout).Msg("request timed out")
			}
		})
	}
	return p.id, p.ch
}

// Resolve settles id with a result. Returns false for an unknown (already
// settled or never registered) id.
func (c *Correlator) Resolve(id jsonrpc.ID, result json.RawMessage) bool {
	return c.settle(id, Outcome{Result: result})
}

// Reject settles id with an error.
func (c *Correlator) Reject(id jsonrpc.ID, err error) bool {
	return c.settle(id, Outcome{Err: err})
}

func (c *Correlator) settle(id jsonrpc.ID, out Outcome) bool {
	c.mu.Lock()
	p, ok := c.table[id]
	if ok {
		delete(c.table, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- out
	return true
}

// Dispatch settles the pending entry matching a response envelope: result
// resolves, error rejects with the typed RPC error.
func (c *Correlator) Dispatch(env *jsonrpc.Envelope) bool {
	if env.Error != nil {
		return c.Reject(env.ID, env.Error)
	}
	return c.Resolve(env.ID, env.Result)
}

// FailAll rejects every still-pending request, used at session teardown.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := make([]*pendingRequest, 0, len(c.table))
	for _, p := range c.table {
		pending = append(pending, p)
	}
	c.table = make(map[jsonrpc.ID]*pendingRequest)
	c.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- Outcome{Err: err}
	}
	if len(pending) > 0 {
		log.Info().Str("module", "session.correlator").Int("count", len(pending)).Msg("pending requests rejected")
	}
}

// Len reports the pending-table size.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}
