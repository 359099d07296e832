package event

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigerr "github.com/dkeye/Signal/errors"
)

func TestWaiterResolvesOnMatch(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)
	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "created"})
	inst, _ := instances.Get("c1")

	w := WaitFor(inst, func(ev Event) bool {
		return ev.Type == "calling.call.answered"
	})

	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "ringing"})
	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "answered"})

	ev, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "calling.call.answered", ev.Type)
	assert.Equal(t, "answered", ev.Payload["call_state"])
	assert.Same(t, inst, ev.Instance)
}

func TestWaiterOnTerminatedInstanceResolvesImmediately(t *testing.T) {
	inst := newInstance("c1", "calling", "call")
	inst.update(map[string]any{"call_state": "ended"})
	inst.markTerminated()

	w := WaitFor(inst, nil)
	select {
	case res := <-w.Done():
		require.NoError(t, res.Err)
		assert.Equal(t, "calling.call.ended", res.Event.Type)
		assert.Equal(t, "ended", res.Event.Payload["call_state"])
	case <-time.After(time.Second):
		t.Fatal("terminated instance did not settle the waiter")
	}
}

func TestWaiterCancelSettlesWithClosedError(t *testing.T) {
	inst := newInstance("m1", "video", "member")
	w := WaitFor(inst, nil)

	w.Cancel(nil)
	ev, err := w.Wait(context.Background())
	assert.ErrorIs(t, err, sigerr.ErrConnectionClosed)
	assert.Empty(t, ev.Type)

	// Cancel detached the handler and the instance reference.
	assert.Equal(t, 0, inst.emitter.Len())
}

func TestWaiterSettlesExactlyOnce(t *testing.T) {
	inst := newInstance("m1", "video", "member")
	w := WaitFor(inst, nil)

	inst.emitter.Emit(Event{Type: "video.member.updated", Name: "member.updated", Instance: inst})
	w.Cancel(sigerr.ErrConnectionClosed)

	res := <-w.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, "video.member.updated", res.Event.Type)

	select {
	case extra := <-w.Done():
		t.Fatalf("unexpected second settlement: %+v", extra)
	default:
	}
}

func TestWaiterContextCancellation(t *testing.T) {
	inst := newInstance("m1", "video", "member")
	w := WaitFor(inst, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCancelEntitySettlesAttachedWaiters(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)
	pushEvent(t, r, "video.member.joined", map[string]any{"member_id": "m1"})
	inst, _ := instances.Get("m1")

	w := WaitFor(inst, func(ev Event) bool { return ev.Name == "member.left" })
	r.CancelEntity("m1", sigerr.ErrConnectionClosed)

	select {
	case res := <-w.Done():
		assert.ErrorIs(t, res.Err, sigerr.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter left hanging after entity cancellation")
	}
}
