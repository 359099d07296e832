package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/dkeye/Signal/retry"
	"github.com/dkeye/Signal/transport"
	"github.com/rs/zerolog/log"
)

// State is the session lifecycle position.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateReconnecting
	StateAuthError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateAuthError:
		return "auth_error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// StatusEvent is one lifecycle signal. Expiring is the side-channel warning
// that credentials will lapse soon; the state itself does not change.
type StatusEvent struct {
	State    State
	Err      error
	Expiring bool
}

// ConnectResult is the identity/session context captured from a successful
// handshake.
type ConnectResult struct {
	SessionID     string          `json:"session_id"`
	NodeID        string          `json:"node_id"`
	Identity      string          `json:"identity,omitempty"`
	Protocol      string          `json:"protocol,omitempty"`
	Authorization json.RawMessage `json:"authorization,omitempty"`
}

// Options configures a session.
type Options struct {
	Dialer   transport.Dialer
	Auth     jsonrpc.Authentication
	Agent    string
	Protocol string
	Contexts []string

	RequestTimeout time.Duration
	KeepAlive      time.Duration
	PingGrace      time.Duration
	Reconnect      retry.Config
	IDGen          IDGenerator
}

const (
	defaultRequestTimeout = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	defaultPingGrace      = 5 * time.Second
)

// Session owns exactly one transport at a time and drives it through
// connect, authenticate, heartbeat and bounded reconnection. All inbound
// frames are drained by a single loop goroutine; routing and correlation
// run as short steps on that loop.
type Session struct {
	opts Options
	corr *Correlator

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	tr       transport.Transport
	loopStop context.CancelFunc
	identity ConnectResult
	attempts int
	closed   bool

	status     chan StatusEvent
	onNotify   func(*jsonrpc.Envelope)
	onReplay   func(context.Context) error
	onTeardown func(error)
}

// New builds an unconnected session.
func New(opts Options) *Session {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = defaultKeepAlive
	}
	if opts.PingGrace <= 0 {
		opts.PingGrace = defaultPingGrace
	}
	if opts.Reconnect.MaxAttempts == 0 {
		opts.Reconnect = retry.Config{
			MaxAttempts:  10,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Multiplier:   2.0,
			AddJitter:    true,
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		corr:   NewCorrelator(opts.IDGen),
		ctx:    ctx,
		cancel: cancel,
		state:  StateIdle,
		status: make(chan StatusEvent, 16),
	}
}

// SetNotificationHandler wires the event router. Must be set before Connect.
func (s *Session) SetNotificationHandler(fn func(*jsonrpc.Envelope)) { s.onNotify = fn }

// SetReplayHook wires the subscription replay performed after every
// successful handshake, before ready is signaled.
func (s *Session) SetReplayHook(fn func(context.Context) error) { s.onReplay = fn }

// SetTeardownHook wires cleanup run once the session reaches its terminal
// state, whether through Disconnect or reconnect exhaustion. The client uses
// it to settle attached waiters instead of leaving them hanging.
func (s *Session) SetTeardownHook(fn func(error)) { s.onTeardown = fn }

// Status is the lifecycle signal stream.
func (s *Session) Status() <-chan StatusEvent { return s.status }

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the handshake context of the current connection.
func (s *Session) Identity() ConnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Attempts reports the reconnect attempt counter of the current outage.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports the number of in-flight requests.
func (s *Session) Pending() int { return s.corr.Len() }

// SetAuth replaces the credentials, the explicit retry path out of an auth
// error.
func (s *Session) SetAuth(auth jsonrpc.Authentication) {
	s.mu.Lock()
	s.opts.Auth = auth
	s.mu.Unlock()
}

// Connect dials, authenticates and signals ready. Valid from idle, and from
// auth_error after SetAuth. Disconnected is terminal.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateAuthError:
	case StateDisconnected:
		s.mu.Unlock()
		return sigerr.ErrConnectionClosed
	default:
		st := s.state
		s.mu.Unlock()
		log.Warn().Str("module", "session").Str("state", st.String()).Msg("connect ignored in current state")
		return nil
	}
	s.mu.Unlock()

	s.setState(StateConnecting, nil)
	if err := s.establish(ctx); err != nil {
		var ae *sigerr.AuthError
		if !errors.As(err, &ae) {
			// Dial or transport failure: back to idle so the caller can retry.
			s.setState(StateIdle, err)
		}
		return err
	}
	s.ready(ctx)
	return nil
}

// establish performs one full dial + handshake cycle, tearing down any
// previous transport first. At most one transport is owned at a time.
func (s *Session) establish(ctx context.Context) error {
	s.dropTransport()

	tr := s.opts.Dialer()
	if err := tr.Open(ctx); err != nil {
		return err
	}

	loopCtx, loopStop := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.tr = tr
	s.loopStop = loopStop
	s.mu.Unlock()

	go s.runLoop(loopCtx, tr)
	s.setState(StateConnected, nil)

	if err := s.handshake(ctx); err != nil {
		s.dropTransport()
		return err
	}
	go s.pingLoop(loopCtx, tr)
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateAuthenticating, nil)

	s.mu.Lock()
	params := jsonrpc.ConnectParams{
		Authentication: s.opts.Auth,
		Agent:          s.opts.Agent,
		Protocol:       s.opts.Protocol,
		Contexts:       s.opts.Contexts,
	}
	s.mu.Unlock()

	id, ch := s.corr.Register(jsonrpc.MethodConnect, s.opts.RequestTimeout)
	env, err := jsonrpc.NewConnectRequest(id, params)
	if err != nil {
		s.corr.Reject(id, err)
		return err
	}
	result, err := s.await(ctx, id, ch, env)
	if err != nil {
		var rpc *sigerr.RPCError
		if errors.As(err, &rpc) {
			authErr := &sigerr.AuthError{Code: rpc.Code, Message: rpc.Message}
			s.setState(StateAuthError, authErr)
			log.Error().Err(authErr).Str("module", "session").Msg("handshake rejected")
			return authErr
		}
		return err
	}

	var identity ConnectResult
	if len(result) > 0 {
		if err := json.Unmarshal(result, &identity); err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("unparsable connect result")
		}
	}
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("session_id", identity.SessionID).Str("node_id", identity.NodeID).Msg("authenticated")
	return nil
}

// ready replays subscriptions and signals the ready state.
func (s *Session) ready(ctx context.Context) {
	if s.onReplay != nil {
		if err := s.onReplay(ctx); err != nil {
			log.Error().Err(err).Str("module", "session").Msg("subscription replay failed")
		}
	}
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.setState(StateReady, nil)
}

// Reauthenticate refreshes credentials on the live connection without
// reopening the transport.
func (s *Session) Reauthenticate(ctx context.Context, project, jwt string) error {
	if st := s.State(); st != StateReady {
		return sigerr.ErrSessionNotReady
	}
	id, ch := s.corr.Register(jsonrpc.MethodReauthenticate, s.opts.RequestTimeout)
	env, err := jsonrpc.NewReauthRequest(id, project, jwt)
	if err != nil {
		s.corr.Reject(id, err)
		return err
	}
	if _, err := s.await(ctx, id, ch, env); err != nil {
		var rpc *sigerr.RPCError
		if errors.As(err, &rpc) {
			return &sigerr.AuthError{Code: rpc.Code, Message: rpc.Message}
		}
		return err
	}
	s.SetAuth(jsonrpc.Authentication{Project: project, JWTToken: jwt})
	log.Info().Str("module", "session").Msg("reauthenticated")
	return nil
}

// Execute sends one correlated request. The session must be ready.
func (s *Session) Execute(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if st := s.State(); st != StateReady {
		return nil, sigerr.ErrSessionNotReady
	}
	return s.Request(ctx, method, params)
}

// Request sends one correlated request on whatever transport is live,
// without the ready gate. Subscription replay uses it between a successful
// re-handshake and the ready signal.
func (s *Session) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id, ch := s.corr.Register(method, s.opts.RequestTimeout)
	env, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		s.corr.Reject(id, err)
		return nil, err
	}
	return s.await(ctx, id, ch, env)
}

// await encodes, writes and blocks for the settlement of one request.
func (s *Session) await(ctx context.Context, id jsonrpc.ID, ch <-chan Outcome, env *jsonrpc.Envelope) (json.RawMessage, error) {
	b, err := jsonrpc.Encode(env)
	if err != nil {
		s.corr.Reject(id, err)
		return nil, err
	}
	tr := s.transport()
	if tr == nil {
		s.corr.Reject(id, sigerr.ErrConnectionClosed)
		return nil, sigerr.ErrConnectionClosed
	}
	if err := tr.Send(b); err != nil {
		s.corr.Reject(id, err)
		return nil, err
	}

	select {
	case out := <-ch:
		return out.Result, out.Err
	case <-ctx.Done():
		s.corr.Reject(id, ctx.Err())
		return nil, ctx.Err()
	case <-s.ctx.Done():
		s.corr.Reject(id, sigerr.ErrConnectionClosed)
		return nil, sigerr.ErrConnectionClosed
	}
}

// Disconnect tears the session down for good: pending requests are
// rejected, the transport is closed and no reconnection follows.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// Best-effort goodbye; the server drops the connection either way.
	if s.State() == StateReady {
		id, ch := s.corr.Register(jsonrpc.MethodDisconnect, 2*time.Second)
		if env, err := jsonrpc.NewRequest(id, jsonrpc.MethodDisconnect, nil); err == nil {
			shortCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = s.await(shortCtx, id, ch, env)
			cancel()
		}
	}

	s.cancel()
	s.corr.FailAll(sigerr.ErrConnectionClosed)
	s.dropTransport()
	s.setState(StateDisconnected, nil)
	log.Info().Str("module", "session").Msg("disconnected")
}

// runLoop is the single reader of one transport: frames in receipt order,
// responses to the correlator, notifications to the router, server pings
// answered in place.
func (s *Session) runLoop(ctx context.Context, tr transport.Transport) {
	defer func() {
		if ctx.Err() == nil {
			// Unexpected transport loss while the session is alive.
			s.handleDisconnect()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-tr.Frames():
			if !ok {
				return
			}
			s.handleFrame(tr, frame)
		case ev := <-tr.Events():
			if ev.Kind == transport.EventError {
				log.Warn().Err(ev.Err).Str("module", "session").Msg("transport error")
			}
		}
	}
}

func (s *Session) handleFrame(tr transport.Transport, frame transport.Frame) {
	env, err := jsonrpc.Decode(frame)
	if err != nil {
		// A single malformed message must never crash the session.
		log.Warn().Err(err).Str("module", "session").Msg("malformed frame dropped")
		return
	}
	kind, _ := env.Kind()
	switch kind {
	case jsonrpc.KindResponse:
		if !s.corr.Dispatch(env) {
			log.Warn().Str("module", "session").Str("id", string(env.ID)).Msg("response for unknown request dropped")
		}
	case jsonrpc.KindNotification:
		if s.handleSessionEvent(env) {
			return
		}
		if s.onNotify != nil {
			s.onNotify(env)
		}
	case jsonrpc.KindRequest:
		s.handleServerRequest(tr, env)
	}
}

// handleSessionEvent intercepts lifecycle notifications that never reach
// the entity router. Returns true when consumed.
func (s *Session) handleSessionEvent(env *jsonrpc.Envelope) bool {
	ev, err := jsonrpc.DecodeEvent(env)
	if err != nil || !strings.HasPrefix(ev.EventType, "session.") {
		return false
	}
	switch ev.EventType {
	case "session.expiring":
		log.Warn().Str("module", "session").Msg("credentials expiring soon")
		s.emitStatus(StatusEvent{State: s.State(), Expiring: true})
	default:
		log.Debug().Str("module", "session").Str("type", ev.EventType).Msg("session event ignored")
	}
	return true
}

// handleServerRequest answers server-initiated requests. Today that is the
// server heartbeat, acked with the same id.
func (s *Session) handleServerRequest(tr transport.Transport, env *jsonrpc.Envelope) {
	if env.Method != jsonrpc.MethodPing {
		log.Warn().Str("module", "session").Str("method", env.Method).Msg("unsupported server request dropped")
		return
	}
	var p jsonrpc.PingParams
	if len(env.Params) > 0 {
		_ = json.Unmarshal(env.Params, &p)
	}
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	ack, err := jsonrpc.Encode(jsonrpc.NewPingResponse(env.ID, p.Timestamp))
	if err != nil {
		return
	}
	if err := tr.Send(ack); err != nil {
		log.Warn().Err(err).Str("module", "session").Msg("ping ack send failed")
	}
}

// pingLoop sends the client heartbeat while ready. A missed ack within the
// grace window closes the transport this loop serves, forcing reconnection.
func (s *Session) pingLoop(ctx context.Context, tr transport.Transport) {
	ticker := time.NewTicker(s.opts.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateReady {
				continue
			}
			id, ch := s.corr.Register(jsonrpc.MethodPing, s.opts.PingGrace)
			env, err := jsonrpc.NewPingRequest(id, time.Now().UnixMilli())
			if err != nil {
				s.corr.Reject(id, err)
				continue
			}
			if _, err := s.await(ctx, id, ch, env); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Str("module", "session").Msg("heartbeat missed, forcing reconnect")
				// Close the transport this loop serves, never a fresh
				// replacement a concurrent reconnect may have installed.
				tr.Close()
				return
			}
		}
	}
}

// handleDisconnect reacts to transport loss while the session is alive:
// fail pending requests, keep the subscription registry, reconnect with
// bounded backoff.
func (s *Session) handleDisconnect() {
	s.mu.Lock()
	if s.closed || s.state == StateDisconnected || s.state == StateReconnecting {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.corr.FailAll(sigerr.ErrConnectionClosed)
	s.setState(StateReconnecting, nil)
	go s.reconnectLoop()
}

func (s *Session) reconnectLoop() {
	err := retry.Do(s.ctx, s.opts.Reconnect, func() error {
		s.mu.Lock()
		s.attempts++
		n := s.attempts
		s.mu.Unlock()
		log.Info().Str("module", "session").Int("attempt", n).Msg("reconnecting")

		s.setState(StateConnecting, nil)
		if err := s.establish(s.ctx); err != nil {
			var ae *sigerr.AuthError
			if errors.As(err, &ae) {
				return retry.NonRetryable(err)
			}
			// Back to reconnecting until the next attempt fires.
			s.setState(StateReconnecting, err)
			return err
		}
		return nil
	})

	if err != nil {
		var ae *sigerr.AuthError
		if errors.As(err, &ae) {
			// State already moved to auth_error inside handshake.
			s.emitStatus(StatusEvent{State: StateAuthError, Err: err})
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("module", "session").Msg("reconnect exhausted")
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.dropTransport()
		s.setState(StateDisconnected, sigerr.ErrReconnectExhausted)
		return
	}

	s.ready(s.ctx)
	log.Info().Str("module", "session").Msg("reconnected")
}

func (s *Session) transport() transport.Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr
}

// dropTransport fully tears down the owned transport before a new connect
// attempt may open another.
func (s *Session) dropTransport() {
	s.mu.Lock()
	tr := s.tr
	stop := s.loopStop
	s.tr = nil
	s.loopStop = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if tr != nil {
		tr.Close()
	}
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		log.Info().Str("module", "session").Str("from", prev.String()).Str("to", st.String()).Msg("state change")
	}
	s.emitStatus(StatusEvent{State: st, Err: err})
	if st == StateDisconnected && prev != StateDisconnected && s.onTeardown != nil {
		s.onTeardown(sigerr.ErrConnectionClosed)
	}
}

func (s *Session) emitStatus(ev StatusEvent) {
	select {
	case s.status <- ev:
	default:
		log.Debug().Str("module", "session").Str("state", ev.State.String()).Msg("status dropped, listener slow")
	}
}
