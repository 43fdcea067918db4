package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Direction records which side opened a connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// PeerConnection is one established peer relationship. The registry owns it;
// the receive loop only borrows it.
type PeerConnection struct {
	PeerID        string
	ConnID        string
	RemoteAddr    net.Addr
	Direction     Direction
	EstablishedAt time.Time

	conn    net.Conn
	decrypt *SymmetricChannel
	frames  *frameReader

	// cancelled when the connection is closed for any reason
	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// PeerInfo is a read-only snapshot handed out to callers.
type PeerInfo struct {
	PeerID        string
	ConnID        string
	RemoteAddr    string
	Direction     Direction
	EstablishedAt time.Time
}

func newPeerConnection(parent context.Context, peerID string, conn net.Conn, frames *frameReader, decrypt *SymmetricChannel, dir Direction) *PeerConnection {
	ctx, cancel := context.WithCancel(parent)
	return &PeerConnection{
		PeerID:        peerID,
		ConnID:        uuid.NewString(),
		RemoteAddr:    conn.RemoteAddr(),
		Direction:     dir,
		EstablishedAt: time.Now(),
		conn:          conn,
		decrypt:       decrypt,
		frames:        frames,
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (pc *PeerConnection) Info() PeerInfo {
	addr := ``
	if pc.RemoteAddr != nil {
		addr = pc.RemoteAddr.String()
	}
	return PeerInfo{
		PeerID:        pc.PeerID,
		ConnID:        pc.ConnID,
		RemoteAddr:    addr,
		Direction:     pc.Direction,
		EstablishedAt: pc.EstablishedAt,
	}
}

// write sends one frame. Concurrent callers are serialised so frames never
// interleave on the socket.
func (pc *PeerConnection) write(env Envelope, timeout time.Duration) error {
	frame, err := encodeFrame(env)
	if err != nil {
		return err
	}
	return pc.writeFrame(frame, timeout)
}

// writeFrame writes an encoded frame. A write that times out may have left a
// partial frame on the stream, so the connection is closed.
func (pc *PeerConnection) writeFrame(frame []byte, timeout time.Duration) error {
	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := pc.ctx.Err(); err != nil {
		return newError(ErrConnectionLost, pc.PeerID, net.ErrClosed)
	}
	if timeout > 0 {
		_ = pc.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer pc.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := pc.conn.Write(frame); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			_ = pc.Close()
		}
		return newError(ErrConnectionLost, pc.PeerID, err)
	}
	return nil
}

// Close shuts the socket once and unblocks the receive loop.
func (pc *PeerConnection) Close() error {
	pc.closeOnce.Do(func() {
		pc.cancel()
		pc.closeErr = pc.conn.Close()
	})
	return pc.closeErr
}

func (pc *PeerConnection) closed() bool {
	return pc.ctx.Err() != nil
}
