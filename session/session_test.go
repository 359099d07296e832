package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigerr "github.com/dkeye/Signal/errors"
	"github.com/dkeye/Signal/jsonrpc"
	"github.com/dkeye/Signal/retry"
	"github.com/dkeye/Signal/transport"
	"github.com/dkeye/Signal/transport/transporttest"
)

func testOptions(d *transporttest.Dialer) Options {
	return Options{
		Dialer:         d.Dialer(),
		Auth:           jsonrpc.Authentication{Project: "proj", Token: "tok"},
		RequestTimeout: time.Second,
		KeepAlive:      time.Hour,
		Reconnect: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     20 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectReachesReady(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, "sess-1", s.Identity().SessionID)
	assert.Equal(t, "node-1", s.Identity().NodeID)

	sent := d.Last().SentMethods(jsonrpc.MethodConnect)
	require.Len(t, sent, 1)
	var p jsonrpc.ConnectParams
	require.NoError(t, json.Unmarshal(sent[0].Params, &p))
	assert.True(t, p.EventAcks)
	assert.Equal(t, "proj", p.Authentication.Project)
}

func TestConnectAuthRejection(t *testing.T) {
	attempts := 0
	d := transporttest.NewDialer(func(env *jsonrpc.Envelope) *jsonrpc.Envelope {
		if env.Method != jsonrpc.MethodConnect {
			return transporttest.Autoresponder()(env)
		}
		attempts++
		if attempts == 1 {
			return &jsonrpc.Envelope{
				JSONRPC: jsonrpc.Version,
				ID:      env.ID,
				Error:   &sigerr.RPCError{Code: 401, Message: "bad token"},
			}
		}
		return transporttest.Autoresponder()(env)
	})
	s := New(testOptions(d))
	defer s.Disconnect()

	err := s.Connect(context.Background())
	require.Error(t, err)
	var ae *sigerr.AuthError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 401, ae.Code)
	assert.Equal(t, StateAuthError, s.State())

	// New credentials allow another attempt from auth_error.
	s.SetAuth(jsonrpc.Authentication{Project: "proj", Token: "fresh"})
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateReady, s.State())
}

func TestExecuteRequiresReady(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))

	_, err := s.Execute(context.Background(), jsonrpc.MethodExecute, nil)
	assert.ErrorIs(t, err, sigerr.ErrSessionNotReady)
}

func TestExecuteRoundTrip(t *testing.T) {
	d := transporttest.NewDialer(func(env *jsonrpc.Envelope) *jsonrpc.Envelope {
		if env.Method == jsonrpc.MethodExecute {
			resp, _ := jsonrpc.NewResponse(env.ID, map[string]any{"call_id": "c1"})
			return resp
		}
		return transporttest.Autoresponder()(env)
	})
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	result, err := s.Execute(context.Background(), jsonrpc.MethodExecute, map[string]any{"method": "calling.begin"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"call_id":"c1"}`, string(result))
	assert.Equal(t, 0, s.Pending())
}

func TestServerPingAcked(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	fake := d.Last()
	ping, err := jsonrpc.NewPingRequest("srv-ping-1", 9876)
	require.NoError(t, err)
	b, err := jsonrpc.Encode(ping)
	require.NoError(t, err)
	fake.Push(b)

	waitFor(t, "ping ack", func() bool {
		for _, env := range fake.Sent() {
			if env.ID == "srv-ping-1" && env.Result != nil {
				assert.JSONEq(t, `{"timestamp":9876}`, string(env.Result))
				return true
			}
		}
		return false
	})
}

func TestNotificationsReachHandler(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()

	var count atomic.Int32
	s.SetNotificationHandler(func(env *jsonrpc.Envelope) {
		count.Add(1)
	})
	require.NoError(t, s.Connect(context.Background()))

	d.Last().PushEvent("calling.call.state", map[string]any{"call_id": "c1", "call_state": "created"})
	waitFor(t, "notification delivery", func() bool { return count.Load() == 1 })
}

func TestSessionExpiringSignal(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	d.Last().PushEvent("session.expiring", map[string]any{})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Status():
			if ev.Expiring {
				assert.Equal(t, StateReady, ev.State)
				return
			}
		case <-deadline:
			t.Fatal("expiring signal never arrived")
		}
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	d.Last().Push([]byte(`{"jsonrpc":`))
	d.Last().Push([]byte(`{"jsonrpc":"2.0","params":{}}`))

	// The session stays usable after garbage input.
	_, err := s.Execute(context.Background(), jsonrpc.MethodExecute, nil)
	require.NoError(t, err)
	assert.Equal(t, StateReady, s.State())
}

func TestReconnectReplaysAndRecovers(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()

	var replays atomic.Int32
	s.SetReplayHook(func(ctx context.Context) error {
		replays.Add(1)
		return nil
	})
	require.NoError(t, s.Connect(context.Background()))
	require.Equal(t, int32(1), replays.Load())

	d.Last().Drop()
	waitFor(t, "reconnect", func() bool {
		return s.State() == StateReady && len(d.Fakes()) == 2
	})
	assert.Equal(t, int32(2), replays.Load())
	assert.Equal(t, 0, s.Attempts())

	// The new transport carried its own full handshake.
	require.Len(t, d.Last().SentMethods(jsonrpc.MethodConnect), 1)
}

func TestTransportLossFailsPending(t *testing.T) {
	d := transporttest.NewDialer(func(env *jsonrpc.Envelope) *jsonrpc.Envelope {
		if env.Method == jsonrpc.MethodExecute {
			// Leave the request unanswered.
			return nil
		}
		return transporttest.Autoresponder()(env)
	})
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := s.Execute(context.Background(), jsonrpc.MethodExecute, nil)
		errCh <- err
	}()
	waitFor(t, "pending request", func() bool { return s.Pending() == 1 })

	d.Fakes()[0].Drop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, sigerr.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request never failed")
	}
}

type failingTransport struct{}

func (failingTransport) Open(context.Context) error     { return errors.New("dial refused") }
func (failingTransport) Send(transport.Frame) error     { return transport.ErrClosed }
func (failingTransport) Frames() <-chan transport.Frame { return nil }
func (failingTransport) Events() <-chan transport.Event { return nil }
func (failingTransport) Close()                         {}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	good := transporttest.New(transporttest.Autoresponder())
	dials := 0
	d := transporttest.NewDialer(nil)
	opts := testOptions(d)
	opts.Dialer = func() transport.Transport {
		dials++
		if dials == 1 {
			return good
		}
		return failingTransport{}
	}
	s := New(opts)
	var tornDown atomic.Int32
	var teardownErr error
	s.SetTeardownHook(func(err error) {
		teardownErr = err
		tornDown.Add(1)
	})
	require.NoError(t, s.Connect(context.Background()))

	good.Drop()
	waitFor(t, "terminal disconnect", func() bool { return s.State() == StateDisconnected })
	assert.Equal(t, 1+opts.Reconnect.MaxAttempts, dials)
	assert.ErrorIs(t, s.Connect(context.Background()), sigerr.ErrConnectionClosed)

	// Self-initiated teardown runs the hook exactly once.
	waitFor(t, "teardown hook", func() bool { return tornDown.Load() == 1 })
	assert.ErrorIs(t, teardownErr, sigerr.ErrConnectionClosed)
}

func TestMissedHeartbeatForcesReconnect(t *testing.T) {
	// Swallow client pings; everything else is acked normally.
	d := transporttest.NewDialer(func(env *jsonrpc.Envelope) *jsonrpc.Envelope {
		if env.Method == jsonrpc.MethodPing {
			return nil
		}
		return transporttest.Autoresponder()(env)
	})
	opts := testOptions(d)
	opts.KeepAlive = 30 * time.Millisecond
	opts.PingGrace = 20 * time.Millisecond
	s := New(opts)
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	waitFor(t, "forced re-dial", func() bool { return len(d.Fakes()) >= 2 })

	// The first transport carried an unanswered heartbeat before it was
	// closed, and the replacement handshook on its own.
	assert.NotEmpty(t, d.Fakes()[0].SentMethods(jsonrpc.MethodPing))
	assert.NotEmpty(t, d.Fakes()[1].SentMethods(jsonrpc.MethodConnect))
}

func TestReconnectCyclesThroughConnecting(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	defer s.Disconnect()
	require.NoError(t, s.Connect(context.Background()))

	// Drain the connect-phase signals so only the outage remains.
	for {
		select {
		case <-s.Status():
			continue
		default:
		}
		break
	}

	d.Last().Drop()
	var states []State
	deadline := time.After(2 * time.Second)
	for len(states) == 0 || states[len(states)-1] != StateReady {
		select {
		case ev := <-s.Status():
			if len(states) == 0 || states[len(states)-1] != ev.State {
				states = append(states, ev.State)
			}
		case <-deadline:
			t.Fatalf("never reached ready again, saw %v", states)
		}
	}

	// Each attempt announces connecting between reconnecting and connected.
	assert.Equal(t, []State{StateReconnecting, StateConnecting, StateConnected, StateAuthenticating, StateReady}, states)
}

func TestDisconnectIsTerminal(t *testing.T) {
	d := transporttest.NewDialer(transporttest.Autoresponder())
	s := New(testOptions(d))
	require.NoError(t, s.Connect(context.Background()))

	s.Disconnect()
	assert.Equal(t, StateDisconnected, s.State())
	assert.ErrorIs(t, s.Connect(context.Background()), sigerr.ErrConnectionClosed)

	// A goodbye was attempted on the live transport.
	assert.NotEmpty(t, d.Last().SentMethods(jsonrpc.MethodDisconnect))
}
