package main

import (
	"errors"
	"net"
	"strconv"
	"time"
)

// Start binds the listening socket and launches the accept loop. With port 0
// the OS picks a free port; Identity and ConnectionString report it.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case stateRunning:
		return ErrAlreadyStarted
	case stateStopped:
		return ErrNodeClosed
	}

	laddr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	ln, err := net.Listen(`tcp`, laddr)
	if err != nil {
		return newError(ErrBind, "", err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		n.identity.Port = uint16(tcp.Port)
	}
	n.ln = ln
	n.state = stateRunning
	n.running.Store(true)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.acceptLoop(ln)
	}()

	n.log.Info("node listening", "addr", ln.Addr().String(), "connect", n.identity.String())
	return nil
}

func (n *Node) acceptLoop(ln net.Listener) {
	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !n.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			n.log.Warn("accept failed", "err", err, "retry_in", backoff)
			select {
			case <-n.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		if !n.trackConn(conn) {
			_ = conn.Close()
			return
		}
		if !n.goTracked(func() { n.respond(conn) }) {
			n.untrackConn(conn)
			_ = conn.Close()
			return
		}
	}
}
