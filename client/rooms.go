package client

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Signal/event"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/rs/zerolog/log"
)

// RoomSession is the handle for one video room session entity.
type RoomSession struct {
	id string
	c  *Client
}

// Room returns the handle for a room session id.
func (c *Client) Room(id string) *RoomSession {
	c.instances.GetOrCreate(id, ChannelVideo, "room")
	return &RoomSession{id: id, c: c}
}

func (r *RoomSession) ID() string { return r.id }

func (r *RoomSession) Instance() (*event.Instance, bool) {
	return r.c.instances.Get(r.id)
}

// Subscribe asks the server for room event names on the video channel.
func (r *RoomSession) Subscribe(ctx context.Context, names ...string) error {
	return r.c.Subscribe(ctx, r.id, ChannelVideo, names)
}

func (r *RoomSession) On(name string, fn event.Handler) func() {
	in, ok := r.Instance()
	if !ok {
		log.Warn().Str("module", "client.room").Str("room_session_id", r.id).Msg("listener on evicted room ignored")
		return func() {}
	}
	return in.On(name, fn)
}

func (r *RoomSession) Off(name string) {
	if in, ok := r.Instance(); ok {
		in.Off(name)
	}
}

// Member returns the handle for one member of this room session.
func (r *RoomSession) Member(id string) *Member {
	r.c.instances.GetOrCreate(id, ChannelVideo, "member")
	return &Member{id: id, room: r}
}

func (r *RoomSession) exec(ctx context.Context, method string, extra map[string]any) (json.RawMessage, error) {
	params := map[string]any{"room_session_id": r.id}
	for k, v := range extra {
		params[k] = v
	}
	return r.c.Execute(ctx, jsonrpc.MethodExecute, map[string]any{
		"method": method,
		"params": params,
	})
}

type playResult struct {
	PlaybackID string `json:"playback_id"`
	ControlID  string `json:"control_id"`
}

// Play starts media playback into the room and returns its control handle.
func (r *RoomSession) Play(ctx context.Context, url string) (*Playback, error) {
	raw, err := r.exec(ctx, "video.playback.start", map[string]any{"url": url})
	if err != nil {
		return nil, err
	}
	var res playResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
	}
	id := res.PlaybackID
	if id == "" {
		id = res.ControlID
	}
	r.c.instances.GetOrCreate(id, ChannelVideo, "playback")
	return &Playback{id: id, controlID: res.ControlID, room: r}, nil
}

// StartRecording begins a room recording and returns its handle.
func (r *RoomSession) StartRecording(ctx context.Context) (*Recording, error) {
	raw, err := r.exec(ctx, "video.recording.start", nil)
	if err != nil {
		return nil, err
	}
	var res struct {
		RecordingID string `json:"recording_id"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, err
		}
	}
	r.c.instances.GetOrCreate(res.RecordingID, ChannelVideo, "recording")
	return &Recording{id: res.RecordingID, room: r}, nil
}

// Member is the handle for one room member entity.
type Member struct {
	id   string
	room *RoomSession
}

func (m *Member) ID() string { return m.id }

func (m *Member) Instance() (*event.Instance, bool) {
	return m.room.c.instances.Get(m.id)
}

func (m *Member) On(name string, fn event.Handler) func() {
	in, ok := m.Instance()
	if !ok {
		return func() {}
	}
	return in.On(name, fn)
}

func (m *Member) Off(name string) {
	if in, ok := m.Instance(); ok {
		in.Off(name)
	}
}

// WaitForLeft settles when the member leaves the room.
func (m *Member) WaitForLeft(ctx context.Context) (event.Event, error) {
	in, ok := m.Instance()
	if !ok {
		return event.Event{}, nil
	}
	w := event.WaitFor(in, func(ev event.Event) bool {
		return ev.Name == "member.left"
	})
	return w.Wait(ctx)
}

func (m *Member) exec(ctx context.Context, method string) error {
	_, err := m.room.exec(ctx, method, map[string]any{"member_id": m.id})
	return err
}

// AudioMute and AudioUnmute toggle the member's microphone server-side.
func (m *Member) AudioMute(ctx context.Context) error {
	return m.exec(ctx, "video.member.audio_mute")
}

func (m *Member) AudioUnmute(ctx context.Context) error {
	return m.exec(ctx, "video.member.audio_unmute")
}

// Remove kicks the member out of the room.
func (m *Member) Remove(ctx context.Context) error {
	return m.exec(ctx, "video.member.remove")
}

// Playback controls one in-room media playback.
type Playback struct {
	id        string
	controlID string
	room      *RoomSession
}

func (p *Playback) ID() string { return p.id }

func (p *Playback) exec(ctx context.Context, method string) error {
	extra := map[string]any{"playback_id": p.id}
	if p.controlID != "" {
		extra["control_id"] = p.controlID
	}
	_, err := p.room.exec(ctx, method, extra)
	return err
}

func (p *Playback) Pause(ctx context.Context) error {
	return p.exec(ctx, "video.playback.pause")
}

func (p *Playback) Resume(ctx context.Context) error {
	return p.exec(ctx, "video.playback.resume")
}

func (p *Playback) Stop(ctx context.Context) error {
	return p.exec(ctx, "video.playback.stop")
}

// WaitForFinished settles on the playback's terminal event.
func (p *Playback) WaitForFinished(ctx context.Context) (event.Event, error) {
	in, ok := p.room.c.instances.Get(p.id)
	if !ok {
		return event.Event{}, nil
	}
	w := event.WaitFor(in, func(ev event.Event) bool {
		return ev.Name == "playback.finished"
	})
	return w.Wait(ctx)
}

// Recording controls one room recording.
type Recording struct {
	id   string
	room *RoomSession
}

func (rec *Recording) ID() string { return rec.id }

func (rec *Recording) Stop(ctx context.Context) error {
	_, err := rec.room.exec(ctx, "video.recording.stop", map[string]any{"recording_id": rec.id})
	return err
}
