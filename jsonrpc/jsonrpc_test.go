package jsonrpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sigerr "github.com/dkeye/Signal/errors"
)

func TestConnectRequestWireShape(t *testing.T) {
	env, err := NewConnectRequest("id-1", ConnectParams{
		Authentication: Authentication{Project: "proj", Token: "tok"},
	})
	require.NoError(t, err)

	b, err := Encode(env)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"jsonrpc": "2.0",
		"id": "id-1",
		"method": "connect",
		"params": {
			"authentication": {"project": "proj", "token": "tok"},
			"version": {"major": 3, "minor": 0, "revision": 0},
			"event_acks": true
		}
	}`, string(b))
}

func TestConnectRequestForcesEventAcks(t *testing.T) {
	env, err := NewConnectRequest("id-1", ConnectParams{EventAcks: false})
	require.NoError(t, err)

	var p ConnectParams
	require.NoError(t, json.Unmarshal(env.Params, &p))
	assert.True(t, p.EventAcks)
	assert.Equal(t, DefaultVersion, p.Version)
}

func TestPingResponseWireShape(t *testing.T) {
	env := NewPingResponse("id-2", 1234)
	b, err := Encode(env)
	require.NoError(t, err)

	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"id-2","result":{"timestamp":1234}}`, string(b))
}

func TestDecodeClassification(t *testing.T) {
	cases := []struct {
		name string
		wire string
		kind Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":"r1","method":"ping","params":{"timestamp":1}}`, KindRequest},
		{"result response", `{"jsonrpc":"2.0","id":"r2","result":{"ok":true}}`, KindResponse},
		{"null result response", `{"jsonrpc":"2.0","id":"r3","result":null}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","id":"r4","error":{"code":401,"message":"denied"}}`, KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"event","params":{"event_type":"x","params":{}}}`, KindNotification},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Decode([]byte(tc.wire))
			require.NoError(t, err)
			kind, err := env.Kind()
			require.NoError(t, err)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		wire string
	}{
		{"invalid json", `{"jsonrpc":`},
		{"wrong version", `{"jsonrpc":"1.0","id":"x","result":{}}`},
		{"neither id nor method", `{"jsonrpc":"2.0","params":{}}`},
		{"both result and error", `{"jsonrpc":"2.0","id":"x","result":{},"error":{"code":1,"message":"m"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.wire))
			require.Error(t, err)
			var perr *sigerr.ProtocolError
			assert.ErrorAs(t, err, &perr)
		})
	}
}

func TestDecodeNumericID(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":42,"result":{}}`))
	require.NoError(t, err)
	assert.Equal(t, ID("42"), env.ID)
}

func TestDecodeErrorResponseCarriesAppCode(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","id":"x","error":{"code":401,"message":"expired","data":{"hint":"reauth"}}}`))
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, 401, env.Error.Code)
	assert.Equal(t, "expired", env.Error.Message)
	assert.JSONEq(t, `{"hint":"reauth"}`, string(env.Error.Data))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	req, err := NewRequest("req-9", MethodExecute, map[string]any{"method": "calling.begin"})
	require.NoError(t, err)

	b, err := Encode(req)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, req.Method, got.Method)
	assert.JSONEq(t, string(req.Params), string(got.Params))
}

func TestDecodeEvent(t *testing.T) {
	env, err := Decode([]byte(`{"jsonrpc":"2.0","method":"event","params":{"event_type":"calling.call.state","timestamp":1700000000.5,"params":{"call_id":"c1","call_state":"created"}}}`))
	require.NoError(t, err)

	ev, err := DecodeEvent(env)
	require.NoError(t, err)
	assert.Equal(t, "calling.call.state", ev.EventType)
	assert.JSONEq(t, `{"call_id":"c1","call_state":"created"}`, string(ev.Params))
}
