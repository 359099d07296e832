// Package jsonrpc implements the JSON-RPC 2.0 envelope codec used on the
// signaling transport. It is pure and stateless: bytes in, classified
// envelope out. Malformed payloads fail with a ProtocolError and are never
// allowed to panic the reader.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	sigerr "github.com/dkeye/Signal/errors"
)

// Version is the only protocol version accepted on the wire.
const Version = "2.0"

// Reserved JSON-RPC error codes. Application codes (401 etc.) pass through
// untouched.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies a decoded envelope.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "unknown"
	}
}

// ID is a correlation identifier. The client always generates strings, but
// the remote peer is allowed to use numbers, so both decode into the same
// comparable form.
type ID string

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(id))
}

func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// Envelope is one JSON-RPC message: request, response or notification.
// Presence of Result/Error is tracked via non-nil RawMessage so that an
// explicit `"result": null` still classifies as a response.
type Envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      ID               `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *sigerr.RPCError `json:"error,omitempty"`
}

// Kind classifies the envelope per the decode rules: a response has an id
// and exactly one of result/error; a request has an id and a method; a
// notification has a method and no id.
func (e *Envelope) Kind() (Kind, error) {
	hasResult := e.Result != nil || e.Error != nil
	switch {
	case e.ID != "" && hasResult:
		if e.Result != nil && e.Error != nil {
			return 0, sigerr.NewProtocolError("envelope has both result and error", nil)
		}
		return KindResponse, nil
	case e.ID != "" && e.Method != "":
		return KindRequest, nil
	case e.Method != "":
		return KindNotification, nil
	default:
		return 0, sigerr.NewProtocolError("envelope has neither id nor method", nil)
	}
}

// Encode serializes an envelope for the transport.
func Encode(e *Envelope) ([]byte, error) {
	if e.JSONRPC == "" {
		e.JSONRPC = Version
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, sigerr.NewProtocolError("marshal envelope", err)
	}
	return b, nil
}

// Decode parses one wire frame and validates it is classifiable. The
// returned envelope is safe to route by Kind.
func Decode(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, sigerr.NewProtocolError("unmarshal envelope", err)
	}
	if e.JSONRPC != "" && e.JSONRPC != Version {
		return nil, sigerr.NewProtocolError(fmt.Sprintf("unsupported version %q", e.JSONRPC), nil)
	}
	if _, err := e.Kind(); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewRequest builds a request envelope with marshaled params.
func NewRequest(id ID, method string, params any) (*Envelope, error) {
	raw, err := marshalField(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a result response for a server-initiated request.
func NewResponse(id ID, result any) (*Envelope, error) {
	raw, err := marshalField(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewPingResponse acks an inbound server heartbeat with the same id and the
// echoed timestamp.
func NewPingResponse(id ID, timestamp int64) *Envelope {
	raw := json.RawMessage(`{"timestamp":` + strconv.FormatInt(timestamp, 10) + `}`)
	return &Envelope{JSONRPC: Version, ID: id, Result: raw}
}

func marshalField(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}
