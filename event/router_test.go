package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/jsonrpc"
)

func pushEvent(t *testing.T, r *Router, eventType string, params map[string]any) {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"event_type": eventType,
		"params":     json.RawMessage(raw),
	})
	require.NoError(t, err)
	r.Route(&jsonrpc.Envelope{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodEvent,
		Params:  payload,
	})
}

func TestRouterMemberLifecycle(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	var seen []string
	pushEvent(t, r, "video.member.joined", map[string]any{"member_id": "m1", "name": "alice"})

	inst, ok := instances.Get("m1")
	require.True(t, ok)
	inst.On(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	v, _ := inst.Field("name")
	assert.Equal(t, "alice", v)

	// Updates merge into the same instance, keeping object identity.
	pushEvent(t, r, "video.member.updated", map[string]any{"member_id": "m1", "audio_muted": true})
	again, ok := instances.Get("m1")
	require.True(t, ok)
	assert.Same(t, inst, again)
	muted, _ := inst.Field("audio_muted")
	assert.Equal(t, true, muted)
	name, _ := inst.Field("name")
	assert.Equal(t, "alice", name)

	// The terminal event reaches listeners before the eviction.
	pushEvent(t, r, "video.member.left", map[string]any{"member_id": "m1"})
	assert.Equal(t, []string{"video.member.updated", "video.member.left"}, seen)
	assert.True(t, inst.Terminated())
	_, ok = instances.Get("m1")
	assert.False(t, ok)
	assert.Equal(t, 0, instances.Len())
}

func TestRouterCallStateFanout(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "created"})
	inst, ok := instances.Get("c1")
	require.True(t, ok)

	var seen []string
	inst.On(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "answered"})
	assert.Equal(t, []string{"calling.call.state", "calling.call.answered"}, seen)
	state, _ := inst.Field("call_state")
	assert.Equal(t, "answered", state)

	// The "ended" state value fans out into a terminal event.
	pushEvent(t, r, "calling.call.state", map[string]any{"call_id": "c1", "call_state": "ended"})
	assert.Contains(t, seen, "calling.call.ended")
	_, ok = instances.Get("c1")
	assert.False(t, ok)
}

func TestRouterTalkingFanoutDoesNotEvict(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	pushEvent(t, r, "video.member.joined", map[string]any{"member_id": "m1"})
	inst, _ := instances.Get("m1")

	var seen []string
	inst.On(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	pushEvent(t, r, "video.member.talking", map[string]any{"member_id": "m1", "talking": true})
	pushEvent(t, r, "video.member.talking", map[string]any{"member_id": "m1", "talking": false})

	assert.Equal(t, []string{
		"video.member.talking", "video.member.talking.started",
		"video.member.talking", "video.member.talking.ended",
	}, seen)

	// The synthesized ".ended" companion never terminates the member.
	assert.False(t, inst.Terminated())
	_, ok := instances.Get("m1")
	assert.True(t, ok)
}

func TestRouterRoomAlias(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	pushEvent(t, r, "video.room.started", map[string]any{"room_session_id": "rs1"})
	inst, ok := instances.Get("rs1")
	require.True(t, ok)

	var seen []string
	inst.On(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	pushEvent(t, r, "video.room.updated", map[string]any{"room_session_id": "rs1", "locked": true})
	assert.Equal(t, []string{"video.room.updated", "room.updated"}, seen)
}

func TestRouterEventWithoutEntityGoesToSession(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	var seen []string
	r.SessionEmitter().On(Wildcard, func(ev Event) { seen = append(seen, ev.Type) })

	pushEvent(t, r, "messaging.state", map[string]any{"direction": "outbound"})
	assert.Equal(t, []string{"messaging.state"}, seen)
	assert.Equal(t, 0, instances.Len())
}

func TestRouterDropsMalformed(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	r.Route(&jsonrpc.Envelope{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodEvent,
		Params:  json.RawMessage(`{"event_type":"video.member.joined","params":"not an object"}`),
	})
	r.Route(&jsonrpc.Envelope{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodEvent,
		Params:  json.RawMessage(`{"params":{}}`),
	})
	assert.Equal(t, 0, instances.Len())

	// The router keeps working after garbage.
	pushEvent(t, r, "video.member.joined", map[string]any{"member_id": "m1"})
	assert.Equal(t, 1, instances.Len())
}

func TestRouterNestedEntityID(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	pushEvent(t, r, "video.member.joined", map[string]any{
		"member": map[string]any{"id": "m9", "parent_id": "m1"},
	})
	inst, ok := instances.Get("m9")
	require.True(t, ok)
	assert.Equal(t, "m1", inst.ParentID())
}

func TestRouterTeardownCancelsWaiters(t *testing.T) {
	instances := NewMap()
	r := NewRouter(instances)

	pushEvent(t, r, "video.member.joined", map[string]any{"member_id": "m1"})
	inst, _ := instances.Get("m1")
	w := WaitFor(inst, nil)

	r.Teardown(sigerr.ErrConnectionClosed)
	res := <-w.Done()
	assert.ErrorIs(t, res.Err, sigerr.ErrConnectionClosed)
}
