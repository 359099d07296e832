package client

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Signal/event"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/dkeye/Signal/rtc"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Event channels the server groups entity events under.
const (
	ChannelCalling   = "calling"
	ChannelVideo     = "video"
	ChannelMessaging = "messaging"
	ChannelChat      = "chat"
	ChannelTasking   = "tasking"
)

// CallEnded terminates a call's event history.
const CallEnded = "call.ended"

// Call is the handle for one voice call entity.
type Call struct {
	id string
	c  *Client
}

// Call returns the handle for id, creating the instance lazily.
func (c *Client) Call(id string) *Call {
	c.instances.GetOrCreate(id, ChannelCalling, "call")
	return &Call{id: id, c: c}
}

func (call *Call) ID() string { return call.id }

// Instance returns the live entity, nil after the terminal event.
func (call *Call) Instance() (*event.Instance, bool) {
	return call.c.instances.Get(call.id)
}

// Subscribe asks the server for the given call event names.
func (call *Call) Subscribe(ctx context.Context, names ...string) error {
	return call.c.Subscribe(ctx, call.id, ChannelCalling, names)
}

// On attaches a listener for one event name on this call.
func (call *Call) On(name string, fn event.Handler) func() {
	in, ok := call.Instance()
	if !ok {
		log.Warn().Str("module", "client.call").Str("call_id", call.id).Msg("listener on evicted call ignored")
		return func() {}
	}
	return in.On(name, fn)
}

// Off removes every listener for name.
func (call *Call) Off(name string) {
	if in, ok := call.Instance(); ok {
		in.Off(name)
	}
}

// WaitForState settles when the call reaches state. A call that already
// reached it, or already terminated, settles immediately with the last
// snapshot instead of hanging.
func (call *Call) WaitForState(ctx context.Context, state string) (event.Event, error) {
	in, ok := call.Instance()
	if !ok {
		return event.Event{}, nil
	}
	if cur, _ := in.Field("call_state"); cur == state {
		return event.Event{Name: "call." + state, Payload: in.Snapshot(), Instance: in}, nil
	}
	w := event.WaitFor(in, func(ev event.Event) bool {
		if ev.Name == "call."+state {
			return true
		}
		got, _ := ev.Payload["call_state"].(string)
		return got == state
	})
	return w.Wait(ctx)
}

// WaitForEnded settles on the call's terminal event.
func (call *Call) WaitForEnded(ctx context.Context) (event.Event, error) {
	return call.WaitForState(ctx, "ended")
}

func (call *Call) exec(ctx context.Context, method string, extra map[string]any) (json.RawMessage, error) {
	params := map[string]any{"call_id": call.id}
	if in, ok := call.Instance(); ok {
		if nodeID, ok := in.Field("node_id"); ok {
			params["node_id"] = nodeID
		}
	}
	for k, v := range extra {
		params[k] = v
	}
	return call.c.Execute(ctx, jsonrpc.MethodExecute, map[string]any{
		"method": method,
		"params": params,
	})
}

type dialResult struct {
	SDP string `json:"sdp"`
}

// Dial negotiates media through the peer and starts the call towards
// destination. The peer stays an external collaborator: the call only
// drives offer/answer and relays ICE candidates.
func (call *Call) Dial(ctx context.Context, peer rtc.Peer, destination string) error {
	if err := peer.Start(ctx); err != nil {
		return err
	}
	peer.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if _, err := call.exec(ctx, "calling.update", map[string]any{"candidate": ci.Candidate}); err != nil {
			log.Warn().Err(err).Str("module", "client.call").Str("call_id", call.id).Msg("candidate relay failed")
		}
	})

	offer, err := peer.CreateAndSetOffer()
	if err != nil {
		return err
	}
	raw, err := call.exec(ctx, "calling.begin", map[string]any{
		"destination": destination,
		"sdp":         offer.SDP,
	})
	if err != nil {
		return err
	}

	var res dialResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	if res.SDP == "" {
		log.Warn().Str("module", "client.call").Str("call_id", call.id).Msg("dial result without sdp")
		return nil
	}
	return peer.ApplyAnswer(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  res.SDP,
	})
}

// Hangup ends the call.
func (call *Call) Hangup(ctx context.Context) error {
	_, err := call.exec(ctx, "calling.end", nil)
	return err
}

// AudioMute and AudioUnmute toggle the outbound audio leg.
func (call *Call) AudioMute(ctx context.Context) error {
	_, err := call.exec(ctx, "calling.audio_mute", nil)
	return err
}

func (call *Call) AudioUnmute(ctx context.Context) error {
	_, err := call.exec(ctx, "calling.audio_unmute", nil)
	return err
}
