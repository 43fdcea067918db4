package main

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_HandshakeFamily(t *testing.T) {
	family := []*Error{ErrSelfConnect, ErrAlreadyConnected, ErrDuplicatePeer, ErrHandshakeRejected, ErrPeerIDMismatch}
	for _, kind := range family {
		t.Run(kind.Reason, func(t *testing.T) {
			err := newError(kind, "bob", nil)
			assert.ErrorIs(t, err, kind)
			assert.ErrorIs(t, err, ErrHandshake)
			assert.True(t, IsHandshakeError(err))
			for _, other := range family {
				if other != kind {
					assert.NotErrorIs(t, err, other)
				}
			}
		})
	}
}

func TestError_CodesDoNotCrossMatch(t *testing.T) {
	err := newError(ErrNotConnected, "bob", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NotErrorIs(t, err, ErrConnectionLost)
	assert.NotErrorIs(t, err, ErrHandshake)
	assert.False(t, IsHandshakeError(err))
}

func TestError_UnwrapsCause(t *testing.T) {
	err := newError(ErrConnectionLost, "bob", io.EOF)
	assert.ErrorIs(t, err, io.EOF)

	wrapped := fmt.Errorf("reading: %w", err)
	assert.ErrorIs(t, wrapped, ErrConnectionLost)

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, "bob", e.PeerID)
	assert.Equal(t, ErrCodeConnectionLost, e.Code)
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "nkrypt: not connected", ErrNotConnected.Error())
	assert.Equal(t, `nkrypt: connection lost (peer "bob"): EOF`,
		newError(ErrConnectionLost, "bob", io.EOF).Error())
	assert.Equal(t, "nkrypt: Protocol", (&Error{Code: ErrCodeProtocol}).Error())
}

func TestHandshakeErr(t *testing.T) {
	rejected := newError(ErrHandshakeRejected, "bob", nil)
	assert.Same(t, rejected, handshakeErr("bob", rejected).(*Error))

	err := handshakeErr("bob", io.ErrUnexpectedEOF)
	assert.ErrorIs(t, err, ErrHandshake)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	proto := handshakeErr("bob", protocolErrorf("bad %s", "frame"))
	assert.ErrorIs(t, proto, ErrHandshake)
	assert.ErrorIs(t, proto, ErrProtocol)
}

func TestErrorCode_String(t *testing.T) {
	assert.Equal(t, "Decryption", ErrCodeDecryption.String())
	assert.Equal(t, "MessageTooLarge", ErrCodeMessageTooLarge.String())
	assert.Equal(t, "ErrorCode(99)", ErrorCode(99).String())
}
