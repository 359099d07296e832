// Package transport abstracts the duplex byte-stream connection the session
// owns. The session reads frames from exactly one goroutine and is the only
// writer; implementations report lifecycle changes on the Events channel.
package transport

import "context"

// Frame is one wire message, encoded JSON.
type Frame []byte

// EventKind tags a lifecycle notification.
type EventKind int

const (
	EventOpen EventKind = iota
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is a connect/disconnect/error notification.
type Event struct {
	Kind EventKind
	Err  error
}

// Transport is a duplex message connection. Open dials; Frames delivers
// inbound messages until the connection dies, then the channel is closed;
// Send enqueues one outbound frame. Close is idempotent.
type Transport interface {
	Open(ctx context.Context) error
	Send(f Frame) error
	Frames() <-chan Frame
	Events() <-chan Event
	Close()
}

// Dialer produces a fresh Transport per connection attempt. The session
// never reuses a dead transport; reconnection dials a new one.
type Dialer func() Transport
