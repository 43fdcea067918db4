package main

import (
	"sort"
	"sync"
)

// PeerRegistry maps peer ids to their single live connection.
type PeerRegistry struct {
	mu     sync.RWMutex
	peers  map[string]*PeerConnection
	closed bool
}

func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: map[string]*PeerConnection{}}
}

// Add registers pc. An existing entry for the same peer id is never replaced.
func (r *PeerRegistry) Add(pc *PeerConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return newError(ErrNodeClosed, pc.PeerID, nil)
	}
	if _, ok := r.peers[pc.PeerID]; ok {
		return newError(ErrDuplicatePeer, pc.PeerID, nil)
	}
	r.peers[pc.PeerID] = pc
	return nil
}

func (r *PeerRegistry) Get(peerID string) (*PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.peers[peerID]
	return pc, ok
}

func (r *PeerRegistry) Has(peerID string) bool {
	_, ok := r.Get(peerID)
	return ok
}

// Remove drops peerID only while it still maps to the connection connID, so a
// finished receive loop cannot evict a newer registration.
func (r *PeerRegistry) Remove(peerID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.peers[peerID]
	if !ok || pc.ConnID != connID {
		return false
	}
	delete(r.peers, peerID)
	return true
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns a snapshot sorted by peer id.
func (r *PeerRegistry) List() []PeerInfo {
	r.mu.RLock()
	out := make([]PeerInfo, 0, len(r.peers))
	for _, pc := range r.peers {
		out = append(out, pc.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].PeerID < out[j].PeerID
	})
	return out
}

// Close refuses further inserts and hands back everything registered so the
// caller can shut the sockets.
func (r *PeerRegistry) Close() []*PeerConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	out := make([]*PeerConnection, 0, len(r.peers))
	for id, pc := range r.peers {
		out = append(out, pc)
		delete(r.peers, id)
	}
	return out
}
