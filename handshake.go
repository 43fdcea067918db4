package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// HandshakeState tracks one connection's progress towards Established.
type HandshakeState int

const (
	StateAwaitingHandshake HandshakeState = iota
	StateAwaitingResponse
	StateEstablished
	StateClosed
)

func (s HandshakeState) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "AwaitingHandshake"
	case StateAwaitingResponse:
		return "AwaitingResponse"
	case StateEstablished:
		return "Established"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("HandshakeState(%d)", int(s))
	}
}

func (s HandshakeState) terminal() bool {
	return s == StateEstablished || s == StateClosed
}

var errBadTransition = errors.New("invalid handshake state transition")

// handshake is the per-connection state machine. It is owned by a single
// goroutine and needs no locking.
type handshake struct {
	role  Direction
	state HandshakeState
	peer  string
	start time.Time
}

func newHandshake(role Direction) *handshake {
	return &handshake{role: role, state: StateAwaitingHandshake, start: time.Now()}
}

func (h *handshake) transition(to HandshakeState) error {
	if h.state.terminal() {
		return fmt.Errorf("%w: %s -> %s", errBadTransition, h.state, to)
	}
	switch to {
	case StateAwaitingResponse:
		if h.role != Outbound || h.state != StateAwaitingHandshake {
			return fmt.Errorf("%w: %s -> %s", errBadTransition, h.state, to)
		}
	case StateEstablished:
		if h.role == Outbound && h.state != StateAwaitingResponse {
			return fmt.Errorf("%w: %s -> %s", errBadTransition, h.state, to)
		}
	}
	h.state = to
	return nil
}

func (h *handshake) roleName() string {
	if h.role == Outbound {
		return "initiator"
	}
	return "responder"
}

// Connect dials peerAddr ("<peer_id>@<host>:<port>") and runs the initiator
// side of the handshake. It returns once the peer is registered or the
// attempt has failed; a failed attempt leaves no socket and no registry entry.
func (n *Node) Connect(ctx context.Context, peerAddr string) error {
	addr, err := ParsePeerAddr(peerAddr)
	if err != nil {
		return err
	}
	if addr.PeerID == n.identity.NodeID {
		return newError(ErrSelfConnect, addr.PeerID, nil)
	}
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()
	switch state {
	case stateNew:
		return ErrNotStarted
	case stateStopped:
		return ErrNodeClosed
	}
	if n.registry.Has(addr.PeerID) {
		return newError(ErrAlreadyConnected, addr.PeerID, nil)
	}

	hs := newHandshake(Outbound)
	hs.peer = addr.PeerID

	d := net.Dialer{Timeout: n.cfg.DialTimeout}
	conn, err := d.DialContext(ctx, `tcp`, addr.HostPort())
	if err != nil {
		n.handshakeFailed(hs, nil, err)
		return handshakeErr(addr.PeerID, fmt.Errorf("dial %s: %w", addr.HostPort(), err))
	}
	if !n.trackConn(conn) {
		_ = conn.Close()
		return ErrNodeClosed
	}
	defer n.untrackConn(conn)

	pc, err := n.initiate(ctx, hs, conn)
	if err != nil {
		_ = conn.Close()
		n.handshakeFailed(hs, conn, err)
		return handshakeErr(addr.PeerID, err)
	}
	if err := n.establish(pc); err != nil {
		n.handshakeFailed(hs, conn, err)
		return handshakeErr(addr.PeerID, err)
	}
	n.metrics.HandshakeResult(hs.roleName(), "success")
	return nil
}

func (n *Node) initiate(ctx context.Context, hs *handshake, conn net.Conn) (*PeerConnection, error) {
	release := n.bindDeadline(ctx, conn)
	fr := newFrameReader(conn, n.cfg.MaxFrameBytes)

	err := writeEnvelope(conn, Envelope{
		Type:   TypeHandshake,
		NodeID: n.identity.NodeID,
		Key:    n.self.KeyString(),
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	if err := hs.transition(StateAwaitingResponse); err != nil {
		release()
		return nil, err
	}

	resp, err := fr.Next()
	if cerr := release(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("await response: %w", err)
	}
	if resp.Type != TypeHandshakeResponse {
		return nil, protocolErrorf("expected %s, got %s", TypeHandshakeResponse, resp.Type)
	}
	if resp.Status != StatusAccepted {
		return nil, newError(ErrHandshakeRejected, hs.peer, nil)
	}
	if resp.NodeID != hs.peer {
		return nil, newError(ErrPeerIDMismatch, hs.peer, fmt.Errorf("got %q", resp.NodeID))
	}
	key, err := ParseKey(resp.Key)
	if err != nil {
		return nil, newError(ErrProtocol, hs.peer, err)
	}
	ch, err := NewSymmetricChannel(key)
	if err != nil {
		return nil, err
	}
	if err := hs.transition(StateEstablished); err != nil {
		return nil, err
	}
	return newPeerConnection(n.ctx, hs.peer, conn, fr, ch, Outbound), nil
}

// respond runs the responder side on an accepted socket. The socket is either
// handed to the registry or closed before this returns.
func (n *Node) respond(conn net.Conn) {
	defer n.untrackConn(conn)
	hs := newHandshake(Inbound)

	pc, err := n.answer(hs, conn)
	if err != nil {
		_ = conn.Close()
		n.handshakeFailed(hs, conn, err)
		return
	}
	if err := n.establish(pc); err != nil {
		n.handshakeFailed(hs, conn, err)
		return
	}
	n.metrics.HandshakeResult(hs.roleName(), "success")
}

func (n *Node) answer(hs *handshake, conn net.Conn) (*PeerConnection, error) {
	release := n.bindDeadline(n.ctx, conn)
	fr := newFrameReader(conn, n.cfg.MaxFrameBytes)

	req, err := fr.Next()
	if err != nil {
		release()
		return nil, fmt.Errorf("await handshake: %w", err)
	}
	if req.Type != TypeHandshake {
		release()
		return nil, protocolErrorf("expected %s, got %s", TypeHandshake, req.Type)
	}
	hs.peer = req.NodeID
	key, err := ParseKey(req.Key)
	if err != nil {
		release()
		return nil, newError(ErrProtocol, hs.peer, err)
	}
	if hs.peer == n.identity.NodeID {
		release()
		return nil, newError(ErrSelfConnect, hs.peer, nil)
	}
	// Known peer: drop the socket without answering.
	if n.registry.Has(hs.peer) {
		release()
		return nil, newError(ErrDuplicatePeer, hs.peer, nil)
	}
	ch, err := NewSymmetricChannel(key)
	if err != nil {
		release()
		return nil, err
	}

	err = writeEnvelope(conn, Envelope{
		Type:   TypeHandshakeResponse,
		NodeID: n.identity.NodeID,
		Status: StatusAccepted,
		Key:    n.self.KeyString(),
	})
	if cerr := release(); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, fmt.Errorf("send response: %w", err)
	}
	if err := hs.transition(StateEstablished); err != nil {
		return nil, err
	}
	return newPeerConnection(n.ctx, hs.peer, conn, fr, ch, Inbound), nil
}

// bindDeadline bounds the handshake by HandshakeTimeout and by ctx. The
// returned release clears the deadline and reports ctx's error if ctx fired.
func (n *Node) bindDeadline(ctx context.Context, conn net.Conn) func() error {
	_ = conn.SetDeadline(time.Now().Add(n.cfg.HandshakeTimeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return func() error {
		if !stop() {
			return ctx.Err()
		}
		_ = conn.SetDeadline(time.Time{})
		return nil
	}
}

func (n *Node) handshakeFailed(hs *handshake, conn net.Conn, err error) {
	from := hs.state
	hs.state = StateClosed

	result := "failure"
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		result = "timeout"
	}
	n.metrics.HandshakeResult(hs.roleName(), result)

	// A node going down aborts handshakes on purpose; not worth a warning.
	if !n.running.Load() {
		n.log.Debug("handshake aborted", "peer_id", hs.peer, "err", err)
		return
	}
	attrs := []any{
		"role", hs.roleName(),
		"peer_id", hs.peer,
		"state", from,
		"elapsed", time.Since(hs.start),
		"err", err,
	}
	if conn != nil {
		attrs = append(attrs, "remote_addr", conn.RemoteAddr())
	}
	n.log.Warn("handshake failed", attrs...)
}
