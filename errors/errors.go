// Package errors defines the error taxonomy shared by the signaling client:
// protocol-level decode failures, server-reported RPC errors, request
// timeouts, connection loss and HTTP failures. Callers match with errors.Is
// and errors.As against the exported sentinels and types.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is reported to every pending request and waiter
	// when the session is torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout is reported when no response arrived within the
	// request deadline. Other pending requests are unaffected.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrSessionNotReady is returned when an operation requires an
	// authenticated session.
	ErrSessionNotReady = errors.New("session not ready")

	// ErrReconnectExhausted is surfaced once through the status stream when
	// bounded reconnection gives up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ProtocolError marks a malformed wire message. The message is logged and
// dropped; a single ProtocolError never terminates the session.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("protocol error: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// NewProtocolError wraps a decode failure with its reason.
func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}

// RPCError carries a server-reported failure for one correlated request.
// Code is either a JSON-RPC reserved code (-32700..-32603) or an
// application-level code such as 401.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AuthError marks a rejected handshake or reauthentication. Terminal until
// the caller supplies fresh credentials and retries explicitly.
type AuthError struct {
	Code    int
	Message string
}

func (e *AuthError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("auth error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("auth error: %s", e.Message)
}

// HTTPError carries a non-realtime REST failure with the parsed body.
type HTTPError struct {
	Status int
	Body   []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.Status)
}

// IsAuth reports whether err is an authentication failure, either an
// AuthError or an RPCError with code 401.
func IsAuth(err error) bool {
	var ae *AuthError
	if errors.As(err, &ae) {
		return true
	}
	var re *RPCError
	return errors.As(err, &re) && re.Code == 401
}

// IsClosed reports whether err stems from session teardown or transport loss.
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnectionClosed)
}

// IsTimeout reports whether err is a per-request timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}
