package jsonrpc

import "encoding/json"

// Methods the client sends or answers.
const (
	MethodConnect        = "connect"
	MethodReauthenticate = "reauthenticate"
	MethodPing           = "ping"
	MethodSubscribe      = "subscribe"
	MethodUnsubscribe    = "unsubscribe"
	MethodDisconnect     = "disconnect"
	MethodExecute        = "execute"
	MethodEvent          = "event"
)

// ProtocolVersion is negotiated during the handshake.
type ProtocolVersion struct {
	Major    int `json:"major"`
	Minor    int `json:"minor"`
	Revision int `json:"revision"`
}

// DefaultVersion is the protocol spoken by this client.
var DefaultVersion = ProtocolVersion{Major: 3, Minor: 0, Revision: 0}

// Authentication carries either a long-lived project+token pair or a
// short-lived bearer token.
type Authentication struct {
	Project  string `json:"project,omitempty"`
	Token    string `json:"token,omitempty"`
	JWTToken string `json:"jwt_token,omitempty"`
}

// ConnectParams is the handshake payload. EventAcks is always announced so
// the server delivers acknowledgement-aware event streams.
type ConnectParams struct {
	Authentication Authentication  `json:"authentication"`
	Version        ProtocolVersion `json:"version"`
	Agent          string          `json:"agent,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Contexts       []string        `json:"contexts,omitempty"`
	EventAcks      bool            `json:"event_acks"`
}

// ReauthParams refreshes credentials without reopening the transport.
type ReauthParams struct {
	Authentication Authentication `json:"authentication"`
}

// PingParams carries the client heartbeat timestamp.
type PingParams struct {
	Timestamp int64 `json:"timestamp"`
}

// NewConnectRequest builds the handshake request.
func NewConnectRequest(id ID, params ConnectParams) (*Envelope, error) {
	if (params.Version == ProtocolVersion{}) {
		params.Version = DefaultVersion
	}
	params.EventAcks = true
	return NewRequest(id, MethodConnect, params)
}

// NewReauthRequest builds the credential refresh request.
func NewReauthRequest(id ID, project, jwt string) (*Envelope, error) {
	return NewRequest(id, MethodReauthenticate, ReauthParams{
		Authentication: Authentication{Project: project, JWTToken: jwt},
	})
}

// NewPingRequest builds the periodic client heartbeat.
func NewPingRequest(id ID, timestamp int64) (*Envelope, error) {
	return NewRequest(id, MethodPing, PingParams{Timestamp: timestamp})
}

// EventPayload is the params shape of a server-pushed notification: the
// dot-delimited event type plus its inner payload.
type EventPayload struct {
	EventType string          `json:"event_type"`
	Timestamp float64         `json:"timestamp,omitempty"`
	Params    json.RawMessage `json:"params"`
}

// DecodeEvent extracts the pushed event from a notification envelope.
func DecodeEvent(e *Envelope) (*EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(e.Params, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
