package event

import (
	"context"
	"sync"

	sigerr "github.com/dkeye/Signal/errors"
)

// Result is a waiter's settlement: exactly one of Event/Err.
type Result struct {
	Event Event
	Err   error
}

// Waiter observes one entity's routed event stream and settles the first
// time the predicate matches, then detaches. Cancellation (unsubscribe,
// session teardown) settles it with ErrConnectionClosed instead of letting
// it hang.
type Waiter struct {
	ch   chan Result
	once sync.Once
	off  func()
	inst *Instance
}

// WaitFor attaches a waiter to inst. pred receives every event for the
// entity; nil pred matches the first event. If the entity already received
// its terminal event the waiter settles immediately with a synthetic event
// carrying the last known snapshot.
func WaitFor(inst *Instance, pred func(Event) bool) *Waiter {
	w := &Waiter{
		ch:   make(chan Result, 1),
		inst: inst,
	}

	if inst.Terminated() {
		w.settle(Result{Event: Event{
			Type:     inst.namespace + "." + inst.kind + ".ended",
			Name:     inst.kind + ".ended",
			Payload:  inst.Snapshot(),
			Instance: inst,
		}})
		return w
	}

	w.off = inst.emitter.On(Wildcard, func(ev Event) {
		if pred != nil && !pred(ev) {
			return
		}
		w.settle(Result{Event: ev})
	})

	inst.mu.Lock()
	inst.waiters = append(inst.waiters, w)
	inst.mu.Unlock()
	return w
}

// Wait blocks until the waiter settles or ctx is done.
func (w *Waiter) Wait(ctx context.Context) (Event, error) {
	select {
	case res := <-w.ch:
		return res.Event, res.Err
	case <-ctx.Done():
		w.Cancel(ctx.Err())
		return Event{}, ctx.Err()
	}
}

// Done exposes the settlement channel for select-based callers.
func (w *Waiter) Done() <-chan Result { return w.ch }

// Cancel settles the waiter with err if it has not settled yet.
func (w *Waiter) Cancel(err error) {
	if err == nil {
		err = sigerr.ErrConnectionClosed
	}
	w.settle(Result{Err: err})
}

func (w *Waiter) settle(res Result) {
	w.once.Do(func() {
		if w.off != nil {
			w.off()
		}
		if w.inst != nil {
			w.inst.dropWaiter(w)
		}
		w.ch <- res
	})
}

func (in *Instance) dropWaiter(target *Waiter) {
	in.mu.Lock()
	defer in.mu.Unlock()
	for i, w := range in.waiters {
		if w == target {
			in.waiters = append(in.waiters[:i], in.waiters[i+1:]...)
			return
		}
	}
}

// cancelWaiters settles every still-attached waiter with err. Called when
// the entity is evicted or the session tears down.
func (in *Instance) cancelWaiters(err error) {
	in.mu.Lock()
	waiters := in.waiters
	in.waiters = nil
	in.mu.Unlock()
	for _, w := range waiters {
		w.Cancel(err)
	}
}
