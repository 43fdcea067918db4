package main

import (
	"errors"
	"fmt"
)

// ErrorCode classifies node errors for programmatic handling.
type ErrorCode int

const (
	ErrCodeUnknown ErrorCode = iota
	ErrCodeBind
	ErrCodeHandshake
	ErrCodeDecryption
	ErrCodeNotConnected
	ErrCodeConnectionLost
	ErrCodeProtocol
	ErrCodeNodeClosed
	ErrCodeNotStarted
	ErrCodeAlreadyStarted
	ErrCodeInvalidPeerAddr
	ErrCodeInvalidConfig
	ErrCodeMessageTooLarge
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeUnknown:
		return "Unknown"
	case ErrCodeBind:
		return "Bind"
	case ErrCodeHandshake:
		return "Handshake"
	case ErrCodeDecryption:
		return "Decryption"
	case ErrCodeNotConnected:
		return "NotConnected"
	case ErrCodeConnectionLost:
		return "ConnectionLost"
	case ErrCodeProtocol:
		return "Protocol"
	case ErrCodeNodeClosed:
		return "NodeClosed"
	case ErrCodeNotStarted:
		return "NotStarted"
	case ErrCodeAlreadyStarted:
		return "AlreadyStarted"
	case ErrCodeInvalidPeerAddr:
		return "InvalidPeerAddr"
	case ErrCodeInvalidConfig:
		return "InvalidConfig"
	case ErrCodeMessageTooLarge:
		return "MessageTooLarge"
	default:
		return fmt.Sprintf("ErrorCode(%d)", c)
	}
}

// Error carries a code, the peer it concerns (if any) and the underlying cause.
// Two *Error values match under errors.Is when their codes match and, if the
// target names a reason, the reasons match too.
type Error struct {
	Code    ErrorCode
	Reason  string
	Message string
	PeerID  string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Reason
	}
	if msg == "" {
		msg = e.Code.String()
	}
	if e.PeerID != "" {
		msg = fmt.Sprintf("%s (peer %q)", msg, e.PeerID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("nkrypt: %s: %v", msg, e.Cause)
	}
	return "nkrypt: " + msg
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// Sentinels. Compare with errors.Is; the HandshakeError family all match
// ErrHandshake as well as their own sentinel.
var (
	ErrBind = &Error{Code: ErrCodeBind, Message: "bind listener"}

	ErrHandshake         = &Error{Code: ErrCodeHandshake, Message: "handshake failed"}
	ErrSelfConnect       = &Error{Code: ErrCodeHandshake, Reason: "self-connect", Message: "refusing to connect to self"}
	ErrAlreadyConnected  = &Error{Code: ErrCodeHandshake, Reason: "already-connected", Message: "peer already connected"}
	ErrDuplicatePeer     = &Error{Code: ErrCodeHandshake, Reason: "duplicate-peer", Message: "peer already registered"}
	ErrHandshakeRejected = &Error{Code: ErrCodeHandshake, Reason: "rejected", Message: "handshake rejected by peer"}
	ErrPeerIDMismatch    = &Error{Code: ErrCodeHandshake, Reason: "peer-id-mismatch", Message: "peer answered with a different node id"}

	ErrDecryption      = &Error{Code: ErrCodeDecryption, Message: "decryption failed"}
	ErrNotConnected    = &Error{Code: ErrCodeNotConnected, Message: "not connected"}
	ErrConnectionLost  = &Error{Code: ErrCodeConnectionLost, Message: "connection lost"}
	ErrProtocol        = &Error{Code: ErrCodeProtocol, Message: "protocol violation"}
	ErrNodeClosed      = &Error{Code: ErrCodeNodeClosed, Message: "node is shut down"}
	ErrNotStarted      = &Error{Code: ErrCodeNotStarted, Message: "node not started"}
	ErrAlreadyStarted  = &Error{Code: ErrCodeAlreadyStarted, Message: "node already started"}
	ErrInvalidPeerAddr = &Error{Code: ErrCodeInvalidPeerAddr, Message: "invalid peer address"}
	ErrInvalidConfig   = &Error{Code: ErrCodeInvalidConfig, Message: "invalid config"}
	ErrMessageTooLarge = &Error{Code: ErrCodeMessageTooLarge, Message: "message exceeds frame limit"}
)

// newError derives a concrete error from a sentinel, attaching peer and cause.
func newError(kind *Error, peerID string, cause error) *Error {
	return &Error{
		Code:    kind.Code,
		Reason:  kind.Reason,
		Message: kind.Message,
		PeerID:  peerID,
		Cause:   cause,
	}
}

// handshakeErr wraps a failure during the handshake. Failures that already
// carry a handshake code are returned unchanged.
func handshakeErr(peerID string, cause error) error {
	var e *Error
	if errors.As(cause, &e) && e.Code == ErrCodeHandshake {
		return cause
	}
	return newError(ErrHandshake, peerID, cause)
}

func protocolErrorf(format string, args ...any) error {
	return newError(ErrProtocol, "", fmt.Errorf(format, args...))
}

// IsHandshakeError reports whether err belongs to the handshake family.
func IsHandshakeError(err error) bool {
	return errors.Is(err, ErrHandshake)
}
