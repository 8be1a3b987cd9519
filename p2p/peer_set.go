package p2p

import (
	"errors"
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

var (
	// ErrMaxPeers is returned when the peer set is full.
	ErrMaxPeers = errors.New("p2p: max peers reached")

	// ErrPeerSetClosed is returned when operating on a closed peer set.
	ErrPeerSetClosed = errors.New("p2p: peer set closed")

	// ErrIPBlacklisted is returned when a dial or inbound connection
	// originates from a blacklisted IP address.
	ErrIPBlacklisted = errors.New("p2p: ip blacklisted")

	// ErrIDBlacklisted is returned when a peer's node ID is blacklisted.
	ErrIDBlacklisted = errors.New("p2p: id blacklisted")
)

// ManagedPeerSet is a concurrent peer registry keyed by both node ID and
// remote IP, with a configurable maximum capacity and append-only
// blacklists for IDs and IPs that should never be (re)admitted. The IP
// index only serves GetByIP: Add does not reject a second peer from a host
// that is already in the set, and the index then holds the latest one.
type ManagedPeerSet struct {
	mu       sync.RWMutex
	peers    map[string]*Peer
	byIP     map[string]*Peer
	maxPeers int
	closed   bool

	blacklistedIDs mapset.Set[string]
	blacklistedIPs mapset.Set[string]
}

// NewManagedPeerSet creates a peer set with the given maximum capacity.
func NewManagedPeerSet(maxPeers int) *ManagedPeerSet {
	return &ManagedPeerSet{
		peers:          make(map[string]*Peer),
		byIP:           make(map[string]*Peer),
		maxPeers:       maxPeers,
		blacklistedIDs: mapset.NewSet[string](),
		blacklistedIPs: mapset.NewSet[string](),
	}
}

// hostOf extracts the host portion of a "host:port" remote address. If the
// address has no port, it is returned unchanged.
func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// Add adds a peer to the set. Returns ErrMaxPeers if the set is full,
// ErrPeerAlreadyRegistered if the peer already exists, or ErrIDBlacklisted/
// ErrIPBlacklisted if the peer's identity or address has been blacklisted.
func (ps *ManagedPeerSet) Add(p *Peer) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return ErrPeerSetClosed
	}
	if _, exists := ps.peers[p.id]; exists {
		return ErrPeerAlreadyRegistered
	}
	if ps.blacklistedIDs.Contains(p.id) {
		return ErrIDBlacklisted
	}
	host := hostOf(p.remoteAddr)
	if ps.blacklistedIPs.Contains(host) {
		return ErrIPBlacklisted
	}
	if len(ps.peers) >= ps.maxPeers {
		return ErrMaxPeers
	}
	ps.peers[p.id] = p
	ps.byIP[host] = p
	return nil
}

// Remove removes a peer by ID.
func (ps *ManagedPeerSet) Remove(id string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.closed {
		return ErrPeerSetClosed
	}
	p, exists := ps.peers[id]
	if !exists {
		return ErrPeerNotRegistered
	}
	delete(ps.peers, id)
	delete(ps.byIP, hostOf(p.remoteAddr))
	return nil
}

// Get returns the peer with the given ID, or nil.
func (ps *ManagedPeerSet) Get(id string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.peers[id]
}

// GetByIP returns the peer connected from the given host, or nil.
func (ps *ManagedPeerSet) GetByIP(host string) *Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.byIP[host]
}

// Len returns the number of peers.
func (ps *ManagedPeerSet) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.peers)
}

// Peers returns a snapshot of all peers.
func (ps *ManagedPeerSet) Peers() []*Peer {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	list := make([]*Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		list = append(list, p)
	}
	return list
}

// BlacklistID marks a node ID as permanently rejected. Any currently
// connected peer with that ID is left in place; callers are expected to
// Remove it separately if immediate disconnection is required.
func (ps *ManagedPeerSet) BlacklistID(id string) {
	ps.blacklistedIDs.Add(id)
}

// BlacklistIP marks a remote host as permanently rejected.
func (ps *ManagedPeerSet) BlacklistIP(host string) {
	ps.blacklistedIPs.Add(host)
}

// IsBlacklistedID reports whether a node ID has been blacklisted.
func (ps *ManagedPeerSet) IsBlacklistedID(id string) bool {
	return ps.blacklistedIDs.Contains(id)
}

// IsBlacklistedIP reports whether a host has been blacklisted.
func (ps *ManagedPeerSet) IsBlacklistedIP(host string) bool {
	return ps.blacklistedIPs.Contains(host)
}

// Close marks the set as closed. Further Add calls will return ErrPeerSetClosed.
func (ps *ManagedPeerSet) Close() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.closed = true
	for k := range ps.peers {
		delete(ps.peers, k)
	}
	for k := range ps.byIP {
		delete(ps.byIP, k)
	}
}
