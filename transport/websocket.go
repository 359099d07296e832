package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")
var ErrClosed = errors.New("transport closed")

const (
	defaultSendBuffer   = 32
	defaultWriteTimeout = 5 * time.Second
	defaultReadLimit    = 1 << 20
)

// WSOptions tunes the WebSocket transport.
type WSOptions struct {
	URL          string
	Header       http.Header
	WriteTimeout time.Duration
	ReadLimit    int64
	SendBuffer   int
}

// WSTransport is a gorilla/websocket transport with buffered write pump and
// a single read pump. One instance serves one connection; reconnection
// creates a new instance through a Dialer.
type WSTransport struct {
	opts   WSOptions
	conn   *websocket.Conn
	send   chan Frame
	frames chan Frame
	events chan Event

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	cancel context.CancelFunc
}

// NewWS builds an unopened WebSocket transport.
func NewWS(opts WSOptions) *WSTransport {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	return &WSTransport{
		opts:   opts,
		send:   make(chan Frame, opts.SendBuffer),
		frames: make(chan Frame, opts.SendBuffer),
		events: make(chan Event, 4),
	}
}

// WSDialer adapts NewWS to the Dialer contract.
func WSDialer(opts WSOptions) Dialer {
	return func() Transport { return NewWS(opts) }
}

// Open dials the endpoint and starts both pumps. The transport is single
// use; calling Open twice is a caller error.
func (t *WSTransport) Open(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, t.opts.URL, t.opts.Header)
	if err != nil {
		if resp != nil {
			log.Error().Err(err).Str("module", "transport").Str("url", t.opts.URL).Int("status", resp.StatusCode).Msg("dial failed")
		} else {
			log.Error().Err(err).Str("module", "transport").Str("url", t.opts.URL).Msg("dial failed")
		}
		return err
	}
	conn.SetReadLimit(t.opts.ReadLimit)
	t.conn = conn

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.writePump(ctx)
	go t.readPump(ctx)

	t.notify(Event{Kind: EventOpen})
	log.Info().Str("module", "transport").Str("url", t.opts.URL).Msg("connected")
	return nil
}

// Send enqueues one frame. It never blocks the caller: a full buffer is a
// backpressure error, a dead transport is ErrClosed.
func (t *WSTransport) Send(f Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (t *WSTransport) Frames() <-chan Frame { return t.frames }
func (t *WSTransport) Events() <-chan Event { return t.events }

// Close tears the connection down exactly once.
func (t *WSTransport) Close() {
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		close(t.send)
		t.mu.Unlock()
		if t.cancel != nil {
			t.cancel()
		}
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.notify(Event{Kind: EventClose})
	})
}

func (t *WSTransport) notify(e Event) {
	select {
	case t.events <- e:
	default:
		log.Warn().Str("module", "transport").Str("event", e.Kind.String()).Msg("event dropped, listener slow")
	}
}

func (t *WSTransport) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "transport").Msg("writePump ctx done")
			return
		case data, ok := <-t.send:
			if !ok {
				log.Debug().Str("module", "transport").Msg("writePump channel closed")
				return
			}
			if err := t.conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout)); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump set deadline")
				t.fail(err)
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "transport").Msg("writePump write error")
				t.fail(err)
				return
			}
		}
	}
}

func (t *WSTransport) readPump(ctx context.Context) {
	defer func() {
		log.Debug().Str("module", "transport").Msg("readPump closing")
		close(t.frames)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := t.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Str("module", "transport").Msg("readPump read error")
					t.fail(err)
				}
				return
			}
			select {
			case t.frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}
}

// fail reports the error and closes the transport so both pumps stop.
func (t *WSTransport) fail(err error) {
	t.notify(Event{Kind: EventError, Err: err})
	t.Close()
}
