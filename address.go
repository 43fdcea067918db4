package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerAddr is the "<peer_id>@<host>:<port>" notation used by the shell.
type PeerAddr struct {
	PeerID string
	Host   string
	Port   uint16
}

func ParsePeerAddr(s string) (PeerAddr, error) {
	s = strings.TrimSpace(s)
	id, hostport, ok := strings.Cut(s, `@`)
	if !ok || strings.Contains(hostport, `@`) {
		return PeerAddr{}, newError(ErrInvalidPeerAddr, "", fmt.Errorf("%q: want peer_id@host:port", s))
	}
	if id == `` {
		return PeerAddr{}, newError(ErrInvalidPeerAddr, "", errors.New("empty peer id"))
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return PeerAddr{}, newError(ErrInvalidPeerAddr, id, err)
	}
	if host == `` {
		return PeerAddr{}, newError(ErrInvalidPeerAddr, id, errors.New("empty host"))
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return PeerAddr{}, newError(ErrInvalidPeerAddr, id, fmt.Errorf("bad port %q", portStr))
	}
	return PeerAddr{PeerID: id, Host: host, Port: uint16(port)}, nil
}

// HostPort returns the dialable address.
func (a PeerAddr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

func (a PeerAddr) String() string {
	return a.PeerID + `@` + a.HostPort()
}
