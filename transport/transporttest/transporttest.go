// Package transporttest provides an in-memory Transport for session and
// client tests: scripted responses, injected server pushes and simulated
// connection loss, no network involved.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Signal/jsonrpc"
	"github.com/dkeye/Signal/transport"
)

// Handler answers one outbound envelope. Returning nil sends nothing.
type Handler func(*jsonrpc.Envelope) *jsonrpc.Envelope

// Autoresponder acks the standard methods the session sends during its
// lifecycle, enough to reach ready and stay there.
func Autoresponder() Handler {
	return func(env *jsonrpc.Envelope) *jsonrpc.Envelope {
		switch env.Method {
		case jsonrpc.MethodConnect:
			resp, _ := jsonrpc.NewResponse(env.ID, map[string]any{
				"session_id": "sess-1",
				"node_id":    "node-1",
			})
			return resp
		case jsonrpc.MethodPing:
			var p jsonrpc.PingParams
			_ = json.Unmarshal(env.Params, &p)
			return jsonrpc.NewPingResponse(env.ID, p.Timestamp)
		case jsonrpc.MethodSubscribe, jsonrpc.MethodUnsubscribe,
			jsonrpc.MethodExecute, jsonrpc.MethodDisconnect,
			jsonrpc.MethodReauthenticate:
			resp, _ := jsonrpc.NewResponse(env.ID, map[string]any{})
			return resp
		default:
			return nil
		}
	}
}

// Fake is one in-memory connection.
type Fake struct {
	handler Handler

	mu     sync.Mutex
	opened bool
	closed bool
	sent   []*jsonrpc.Envelope

	frames chan transport.Frame
	events chan transport.Event
}

func New(handler Handler) *Fake {
	return &Fake{
		handler: handler,
		frames:  make(chan transport.Frame, 64),
		events:  make(chan transport.Event, 8),
	}
}

func (f *Fake) Open(_ context.Context) error {
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.EventOpen}
	return nil
}

func (f *Fake) Send(frame transport.Frame) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	env, err := jsonrpc.Decode(frame)
	if err == nil {
		f.sent = append(f.sent, env)
	}
	handler := f.handler
	f.mu.Unlock()

	if err == nil && handler != nil {
		if resp := handler(env); resp != nil {
			b, _ := jsonrpc.Encode(resp)
			f.Push(b)
		}
	}
	return nil
}

func (f *Fake) Frames() <-chan transport.Frame { return f.frames }
func (f *Fake) Events() <-chan transport.Event { return f.events }

func (f *Fake) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	close(f.frames)
}

// Push injects one inbound wire frame, as if the server sent it.
func (f *Fake) Push(b []byte) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.frames <- b
}

// PushEvent injects one server-pushed notification.
func (f *Fake) PushEvent(eventType string, params any) {
	raw, _ := json.Marshal(params)
	payload, _ := json.Marshal(map[string]any{
		"event_type": eventType,
		"params":     json.RawMessage(raw),
	})
	env := &jsonrpc.Envelope{
		JSONRPC: jsonrpc.Version,
		Method:  jsonrpc.MethodEvent,
		Params:  payload,
	}
	b, _ := jsonrpc.Encode(env)
	f.Push(b)
}

// Drop simulates abrupt remote connection loss.
func (f *Fake) Drop() {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.events <- transport.Event{Kind: transport.EventError, Err: transport.ErrClosed}
	}
	f.Close()
}

// Sent returns a copy of every decoded outbound envelope.
func (f *Fake) Sent() []*jsonrpc.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*jsonrpc.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentMethods filters Sent by method name.
func (f *Fake) SentMethods(method string) []*jsonrpc.Envelope {
	var out []*jsonrpc.Envelope
	for _, env := range f.Sent() {
		if env.Method == method {
			out = append(out, env)
		}
	}
	return out
}

// Dialer hands a fresh Fake to every connection attempt, recording each.
type Dialer struct {
	handler Handler

	mu    sync.Mutex
	fakes []*Fake
}

func NewDialer(handler Handler) *Dialer {
	return &Dialer{handler: handler}
}

// Dialer adapts to the transport.Dialer contract.
func (d *Dialer) Dialer() transport.Dialer {
	return func() transport.Transport {
		f := New(d.handler)
		d.mu.Lock()
		d.fakes = append(d.fakes, f)
		d.mu.Unlock()
		return f
	}
}

// Fakes returns every transport created so far, in dial order.
func (d *Dialer) Fakes() []*Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Fake, len(d.fakes))
	copy(out, d.fakes)
	return out
}

// Last returns the most recent transport.
func (d *Dialer) Last() *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.fakes) == 0 {
		return nil
	}
	return d.fakes[len(d.fakes)-1]
}
