package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsAuth(t *testing.T) {
	assert.True(t, IsAuth(&AuthError{Code: 401, Message: "expired"}))
	assert.True(t, IsAuth(&RPCError{Code: 401, Message: "expired"}))
	assert.True(t, IsAuth(fmt.Errorf("connect: %w", &AuthError{Message: "denied"})))
	assert.False(t, IsAuth(&RPCError{Code: -32601, Message: "method not found"}))
	assert.False(t, IsAuth(ErrConnectionClosed))
}

func TestIsClosedAndIsTimeout(t *testing.T) {
	assert.True(t, IsClosed(fmt.Errorf("send: %w", ErrConnectionClosed)))
	assert.False(t, IsClosed(ErrRequestTimeout))
	assert.True(t, IsTimeout(fmt.Errorf("execute: %w", ErrRequestTimeout)))
	assert.False(t, IsTimeout(ErrConnectionClosed))
}

func TestProtocolErrorUnwraps(t *testing.T) {
	inner := fmt.Errorf("unexpected end of JSON input")
	err := NewProtocolError("unmarshal envelope", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "unmarshal envelope")
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t, "rpc error 401: expired", (&RPCError{Code: 401, Message: "expired"}).Error())
	assert.Equal(t, "auth error 401: expired", (&AuthError{Code: 401, Message: "expired"}).Error())
	assert.Equal(t, "auth error: denied", (&AuthError{Message: "denied"}).Error())
	assert.Equal(t, "http error: status 503", (&HTTPError{Status: 503}).Error())
}
