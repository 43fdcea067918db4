package main

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Send encrypts text with the node's own session key and writes it to peerID.
// Every recipient gets traffic sealed under that one key; each learned it
// during its handshake with us.
//
// A message whose frame would exceed MaxFrameBytes is refused with
// ErrMessageTooLarge before anything is written. A write failure is returned
// but does not deregister the peer; the receive loop owns that decision.
func (n *Node) Send(peerID, text string) error {
	pc, ok := n.registry.Get(peerID)
	if !ok {
		return newError(ErrNotConnected, peerID, nil)
	}
	token, err := n.self.EncryptToString([]byte(text))
	if err != nil {
		n.metrics.SendError()
		return err
	}
	env := Envelope{
		Type:      TypeChatMessage,
		Content:   token,
		Timestamp: formatTimestamp(time.Now()),
	}
	frame, err := encodeFrame(env)
	if err != nil {
		n.metrics.SendError()
		return err
	}
	if len(frame) > n.cfg.MaxFrameBytes {
		n.metrics.SendError()
		return newError(ErrMessageTooLarge, peerID,
			fmt.Errorf("%d byte frame, limit %d", len(frame), n.cfg.MaxFrameBytes))
	}
	if err := pc.writeFrame(frame, n.cfg.WriteTimeout); err != nil {
		n.metrics.SendError()
		n.log.Warn("send failed", "peer_id", peerID, "err", err)
		return err
	}
	n.metrics.MessageSent()
	return nil
}

// receiveLoop reads frames until the connection ends, then deregisters it.
func (n *Node) receiveLoop(pc *PeerConnection) {
	cause := n.readFrames(pc)
	_ = pc.Close()

	if !n.registry.Remove(pc.PeerID, pc.ConnID) {
		// Already gone: Shutdown took it.
		n.metrics.ConnectionClosed("shutdown")
		return
	}
	reason := "eof"
	if errors.Is(cause, ErrProtocol) {
		reason = "protocol"
	}
	n.metrics.ConnectionClosed(reason)
	n.metrics.SetPeers(n.registry.Len())

	n.log.Info("peer disconnected", "peer_id", pc.PeerID, "conn_id", pc.ConnID, "reason", reason, "err", cause)
	n.emit(EventPeerLost, PeerEvent{
		PeerID:     pc.PeerID,
		RemoteAddr: pc.Info().RemoteAddr,
		Direction:  pc.Direction,
		Err:        cause,
	})
}

// readFrames returns why the loop ended: ErrConnectionLost or ErrProtocol.
func (n *Node) readFrames(pc *PeerConnection) error {
	for {
		if err := pc.ctx.Err(); err != nil {
			return newError(ErrConnectionLost, pc.PeerID, context.Cause(pc.ctx))
		}
		env, err := pc.frames.Next()
		if err != nil {
			var e *Error
			if errors.As(err, &e) && e.PeerID == `` {
				e.PeerID = pc.PeerID
			}
			return err
		}
		switch env.Type {
		case TypeChatMessage:
			n.deliver(pc, env)
		default:
			n.log.Debug("ignoring envelope", "peer_id", pc.PeerID, "type", env.Type)
		}
	}
}

func (n *Node) deliver(pc *PeerConnection, env Envelope) {
	received := time.Now()
	pt, err := pc.decrypt.DecryptString(env.Content)
	if err != nil {
		n.metrics.DecryptionError()
		n.log.Warn("dropping undecryptable message", "peer_id", pc.PeerID, "err", err)
		n.emit(EventError, newError(ErrDecryption, pc.PeerID, err))
		return
	}
	sent, ok := parseTimestamp(env.Timestamp)
	if !ok {
		n.log.Debug("unparseable timestamp", "peer_id", pc.PeerID, "timestamp", env.Timestamp)
		sent = received
	}
	n.metrics.MessageReceived()
	if n.onMessage != nil {
		n.onMessage(MessageEvent{
			PeerID:     pc.PeerID,
			Body:       string(pt),
			SentAt:     sent,
			ReceivedAt: received,
		})
	}
}
