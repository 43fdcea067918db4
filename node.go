package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ---------- Events ----------

type EventType int

const (
	EventPeerConnected EventType = iota
	EventPeerLost
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "PeerConnected"
	case EventPeerLost:
		return "PeerLost"
	case EventError:
		return "Error"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// PeerEvent accompanies EventPeerConnected and EventPeerLost.
type PeerEvent struct {
	PeerID     string
	RemoteAddr string
	Direction  Direction
	Err        error // why the connection ended; nil on connect
}

// MessageEvent is one decrypted chat message.
type MessageEvent struct {
	PeerID     string
	Body       string
	SentAt     time.Time
	ReceivedAt time.Time
}

// Handlers run on the peer's receive goroutine and should return quickly.
type (
	MessageHandler func(MessageEvent)
	EventHandler   func(EventType, interface{})
)

// ---------- Node ----------

// NodeIdentity is fixed once the node has started. The node's session key
// is not part of it; it lives in Node.self and only leaves the node in
// handshakes.
type NodeIdentity struct {
	NodeID string
	Host   string
	Port   uint16
}

func (id NodeIdentity) String() string {
	return id.NodeID + `@` + net.JoinHostPort(id.Host, strconv.Itoa(int(id.Port)))
}

type nodeState int

const (
	stateNew nodeState = iota
	stateRunning
	stateStopped
)

type Node struct {
	cfg      Config
	identity NodeIdentity
	self     *SymmetricChannel // seals everything we send

	registry *PeerRegistry
	log      *slog.Logger
	metrics  *Metrics

	onMessage MessageHandler
	onEvent   EventHandler

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool

	mu      sync.Mutex
	state   nodeState
	ln      net.Listener
	pending map[net.Conn]struct{} // sockets still handshaking

	wg       sync.WaitGroup
	stopOnce sync.Once
	quit     chan struct{}
}

type Option func(*Node)

func WithLogger(l *slog.Logger) Option {
	return func(n *Node) {
		if l != nil {
			n.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(n *Node) { n.metrics = m }
}

func WithMessageHandler(h MessageHandler) Option {
	return func(n *Node) { n.onMessage = h }
}

func WithEventHandler(h EventHandler) Option {
	return func(n *Node) { n.onEvent = h }
}

func NewNode(cfg Config, opts ...Option) (*Node, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	self, err := NewSymmetricChannel(key)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg: cfg,
		identity: NodeIdentity{
			NodeID: cfg.NodeID,
			Host:   cfg.Host,
			Port:   uint16(cfg.Port),
		},
		self:     self,
		registry: NewPeerRegistry(),
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		pending:  map[net.Conn]struct{}{},
		quit:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With("node_id", cfg.NodeID)
	return n, nil
}

func (n *Node) Identity() NodeIdentity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.identity
}

// ConnectionString is what other nodes pass to connect.
func (n *Node) ConnectionString() string {
	return n.Identity().String()
}

// Addr is the bound listener address, nil before Start.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ln == nil {
		return nil
	}
	return n.ln.Addr()
}

func (n *Node) Peers() []PeerInfo {
	return n.registry.List()
}

func (n *Node) IsConnected(peerID string) bool {
	return n.registry.Has(peerID)
}

// Done is closed once Shutdown has released every resource.
func (n *Node) Done() <-chan struct{} {
	return n.quit
}

// Shutdown stops accepting, closes every peer and handshake socket and waits
// for all node goroutines. It is idempotent and safe to call concurrently
// with Connect and Send.
func (n *Node) Shutdown() {
	n.stopOnce.Do(func() {
		n.running.Store(false)

		n.mu.Lock()
		n.state = stateStopped
		ln := n.ln
		pending := make([]net.Conn, 0, len(n.pending))
		for c := range n.pending {
			pending = append(pending, c)
		}
		n.mu.Unlock()

		n.cancel()
		if ln != nil {
			_ = ln.Close()
		}
		for _, pc := range n.registry.Close() {
			_ = pc.Close()
		}
		for _, c := range pending {
			_ = c.Close()
		}

		n.wg.Wait()
		n.metrics.SetPeers(0)
		n.log.Info("node stopped")
		close(n.quit)
	})
}

// goTracked runs f on a goroutine Shutdown waits for. It refuses once the
// node is stopping.
func (n *Node) goTracked(f func()) bool {
	n.mu.Lock()
	if n.state == stateStopped {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		f()
	}()
	return true
}

// trackConn records a socket that is not yet owned by the registry so
// Shutdown can close it. It reports false once the node is stopping.
func (n *Node) trackConn(c net.Conn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == stateStopped {
		return false
	}
	n.pending[c] = struct{}{}
	return true
}

func (n *Node) untrackConn(c net.Conn) {
	n.mu.Lock()
	delete(n.pending, c)
	n.mu.Unlock()
}

// establish registers a freshly handshaken connection and starts its receive
// loop. On failure the socket is closed and nothing is registered.
func (n *Node) establish(pc *PeerConnection) error {
	if err := n.registry.Add(pc); err != nil {
		_ = pc.Close()
		return err
	}
	n.metrics.ConnectionOpened(pc.Direction.String())
	n.metrics.SetPeers(n.registry.Len())
	if !n.goTracked(func() { n.receiveLoop(pc) }) {
		// Shutdown raced us; it closes whatever it found in the registry.
		_ = pc.Close()
		n.registry.Remove(pc.PeerID, pc.ConnID)
		return newError(ErrNodeClosed, pc.PeerID, nil)
	}
	n.log.Info("peer connected",
		"peer_id", pc.PeerID,
		"remote_addr", pc.RemoteAddr,
		"direction", pc.Direction,
		"conn_id", pc.ConnID)
	n.emit(EventPeerConnected, PeerEvent{
		PeerID:     pc.PeerID,
		RemoteAddr: pc.Info().RemoteAddr,
		Direction:  pc.Direction,
	})
	return nil
}

func (n *Node) emit(t EventType, data interface{}) {
	if n.onEvent != nil {
		n.onEvent(t, data)
	}
}
