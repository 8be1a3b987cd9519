package p2p

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	ethcrypto "github.com/eth2030/eth2030/crypto"
)

// Config holds the configuration for a P2P Server.
type Config struct {
	// ListenAddr is the TCP address to listen on (e.g., ":30303").
	ListenAddr string

	// MaxPeers is the maximum number of connected peers.
	MaxPeers int

	// Protocols is the list of supported sub-protocols.
	Protocols []Protocol

	// StaticNodes is an initial list of enode URLs to always connect to.
	StaticNodes []string

	// PrivateKey is the node's long-lived identity key, used for the RLPx
	// ECIES handshake. If nil, a random key is generated at Start.
	PrivateKey *ecdsa.PrivateKey

	// Name is the client identity string sent in the hello handshake.
	// Defaults to "rekt" if empty.
	Name string

	// ListenPort is the advertised TCP listening port (0 = auto-detect).
	ListenPort uint64

	// Dialer is the interface used for outbound connections.
	// If nil, a TCPDialer is used.
	Dialer Dialer

	// Listener is the interface for accepting inbound connections.
	// If nil, a TCPListener is created from ListenAddr.
	Listener Listener

	// DisableHandshake disables both the RLPx ECIES handshake and the
	// devp2p hello handshake, for tests that connect raw TCP clients
	// without performing either exchange.
	DisableHandshake bool
}

// Protocol represents a sub-protocol that runs on top of the devp2p connection.
type Protocol struct {
	Name    string
	Version uint
	Length  uint64 // Number of message codes used by this protocol.

	// Run is called for each peer that supports this protocol.
	// It should read/write messages and return when done.
	Run func(peer *Peer, t Transport) error
}

// Server manages TCP connections and peer lifecycle.
type Server struct {
	config     Config
	listener   Listener
	dialer     Dialer
	peers      *ManagedPeerSet
	nodes      *NodeTable
	scorer     *BehaviorScorer
	staticKey  *ecdsa.PrivateKey
	localID    string // Node ID used in handshake (hex-encoded public key).

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// NewServer creates a new P2P server with the given configuration.
func NewServer(cfg Config) *Server {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 25
	}
	if cfg.Name == "" {
		cfg.Name = "rekt"
	}

	staticKey := cfg.PrivateKey
	if staticKey == nil {
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			// A source of entropy failing here means the process cannot
			// safely identify itself on the network; there is no
			// meaningful fallback.
			panic(fmt.Sprintf("p2p: generate identity key: %v", err))
		}
		staticKey = key
	}

	return &Server{
		config:    cfg,
		dialer:    cfg.Dialer,
		peers:     NewManagedPeerSet(cfg.MaxPeers),
		nodes:     NewNodeTable(),
		scorer:    NewBehaviorScorer(DefaultBehaviorScorerConfig()),
		staticKey: staticKey,
		localID:   hex.EncodeToString(StaticPubKey(&staticKey.PublicKey)),
		quit:      make(chan struct{}),
	}
}

// Start begins listening for incoming connections.
func (srv *Server) Start() error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if srv.running {
		return errors.New("p2p: server already running")
	}

	if srv.dialer == nil {
		srv.dialer = &TCPDialer{}
	}

	if srv.config.Listener != nil {
		srv.listener = srv.config.Listener
	} else {
		ln, err := net.Listen("tcp", srv.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("p2p: listen error: %w", err)
		}
		srv.listener = NewTCPListener(ln)
	}

	srv.running = true

	for _, rawurl := range srv.config.StaticNodes {
		if node, err := ParseEnode(rawurl); err == nil {
			srv.nodes.AddStatic(node)
		}
	}

	srv.wg.Add(1)
	go srv.listenLoop()
	return nil
}

// Stop shuts down the server and disconnects all peers.
func (srv *Server) Stop() {
	srv.mu.Lock()
	if !srv.running {
		srv.mu.Unlock()
		return
	}
	srv.running = false
	close(srv.quit)
	srv.listener.Close()
	srv.mu.Unlock()

	srv.wg.Wait()
	srv.peers.Close()
}

// ListenAddr returns the actual listen address (useful when using ":0").
func (srv *Server) ListenAddr() net.Addr {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

// AddPeer dials the given address and adds the connection as a peer.
func (srv *Server) AddPeer(addr string) error {
	ct, err := srv.dialer.Dial(addr)
	if err != nil {
		return err
	}
	p2pDials.Inc()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.setupConn(ct, true, nil)
	}()
	return nil
}

// AddTrustedPeer dials the given address, expecting the remote to present
// the given static public key during the ECIES handshake.
func (srv *Server) AddTrustedPeer(addr string, remoteStaticPub *ecdsa.PublicKey) error {
	ct, err := srv.dialer.Dial(addr)
	if err != nil {
		return err
	}
	p2pDials.Inc()

	srv.wg.Add(1)
	go func() {
		defer srv.wg.Done()
		srv.setupConn(ct, true, remoteStaticPub)
	}()
	return nil
}

// PeerCount returns the number of connected peers.
func (srv *Server) PeerCount() int {
	return srv.peers.Len()
}

// PeersList returns a snapshot of connected peers.
func (srv *Server) PeersList() []*Peer {
	return srv.peers.Peers()
}

// NodeTable returns the server's node discovery table.
func (srv *Server) NodeTable() *NodeTable {
	return srv.nodes
}

// Scorer returns the server's peer behavior scorer.
func (srv *Server) Scorer() *BehaviorScorer {
	return srv.scorer
}

// LocalID returns the hex-encoded local node identity.
func (srv *Server) LocalID() string {
	return srv.localID
}

// Running returns whether the server is currently running.
func (srv *Server) Running() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.running
}

func (srv *Server) listenLoop() {
	defer srv.wg.Done()

	for {
		ct, err := srv.listener.Accept()
		if err != nil {
			select {
			case <-srv.quit:
				return
			default:
				log.Printf("p2p: accept error: %v", err)
				continue
			}
		}

		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.setupConn(ct, false, nil)
		}()
	}
}

// localHello builds the local hello packet from the server's configuration.
func (srv *Server) localHello() *HelloPacket {
	caps := make([]Cap, len(srv.config.Protocols))
	for i, p := range srv.config.Protocols {
		caps[i] = Cap{Name: p.Name, Version: p.Version}
	}
	return &HelloPacket{
		Version:    baseProtocolVersion,
		Name:       srv.config.Name,
		Caps:       caps,
		ListenPort: srv.config.ListenPort,
		ID:         srv.localID,
	}
}

// setupConn handles a new connection: performs the RLPx ECIES handshake
// followed by the devp2p hello handshake, then runs all matching protocols
// via the multiplexer. remoteStaticPub pins the expected identity for
// outbound dials to trusted peers; it is nil for ordinary dials and all
// inbound connections, where the identity is only learned during the
// handshake itself.
func (srv *Server) setupConn(ct ConnTransport, dialed bool, remoteStaticPub *ecdsa.PublicKey) {
	var tr Transport = ct
	var peerID string
	var peerCaps []Cap

	if !srv.config.DisableHandshake {
		codec, remoteHello, matched, err := FullHandshake(
			connOf(ct), srv.staticKey, remoteStaticPub, dialed, srv.localHello())
		if err != nil {
			p2pHandshakesFailed.Inc()
			ct.Close()
			return
		}
		p2pHandshakesOK.Inc()
		tr = codec
		peerID = remoteHello.ID
		peerCaps = matched
		codec.StartKeepalive()
	} else {
		peerID = randomID()
	}

	peer := NewPeer(peerID, ct.RemoteAddr(), peerCaps)
	srv.scorer.RegisterPeer(peerID, ct.RemoteAddr())

	if err := srv.peers.Add(peer); err != nil {
		tr.Close()
		return
	}
	p2pPeerCount.Set(int64(srv.peers.Len()))

	defer func() {
		srv.peers.Remove(peer.ID())
		srv.scorer.RemovePeer(peer.ID())
		p2pPeerCount.Set(int64(srv.peers.Len()))
		tr.Close()
	}()

	protos := srv.config.Protocols
	if len(protos) == 0 {
		<-srv.quit
		return
	}

	// All protocols, including a lone one, run through the multiplexer so
	// message codes always carry the reserved base-protocol offset.
	mux := NewMultiplexer(tr, protos)

	readErr := make(chan error, 1)
	go func() {
		readErr <- mux.ReadLoop()
	}()

	var protoWG sync.WaitGroup
	for _, rw := range mux.Protocols() {
		protoWG.Add(1)
		go func(rw *ProtoRW) {
			defer protoWG.Done()
			if rw.proto.Run != nil {
				adapter := &muxTransportAdapter{mux: mux, rw: rw}
				if err := rw.proto.Run(peer, adapter); err != nil {
					p2pInvalidMessages.Inc()
					srv.scorer.RecordInvalidMessage(peer.ID())
				} else {
					srv.scorer.RecordValidBlock(peer.ID())
				}
			}
		}(rw)
	}

	done := make(chan struct{})
	go func() {
		protoWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		mux.Close()
	case <-readErr:
		mux.Close()
		protoWG.Wait()
	case <-srv.quit:
		mux.Close()
		protoWG.Wait()
	}
}

// connOf extracts the underlying net.Conn from a ConnTransport built on
// the plain FrameConnTransport, which is what TCPDialer/TCPListener produce.
func connOf(ct ConnTransport) net.Conn {
	if fct, ok := ct.(*FrameConnTransport); ok {
		return fct.FrameTransport.conn
	}
	panic("p2p: setupConn requires a *FrameConnTransport")
}

// muxTransportAdapter wraps the multiplexer to implement the Transport interface
// for a single protocol.
type muxTransportAdapter struct {
	mux *Multiplexer
	rw  *ProtoRW
}

func (a *muxTransportAdapter) ReadMsg() (Msg, error) {
	msg, err := a.rw.ReadMsg()
	if err == nil {
		p2pMessagesIn.Inc()
	}
	return msg, err
}

func (a *muxTransportAdapter) WriteMsg(msg Msg) error {
	err := a.mux.WriteMsg(a.rw, msg)
	if err == nil {
		p2pMessagesOut.Inc()
	}
	return err
}

func (a *muxTransportAdapter) Close() error {
	a.mux.Close()
	return nil
}

// EnqueueMsg offsets msg's code into the multiplexed wire range and submits
// it to the underlying codec's bounded egress FIFO. If the underlying
// transport doesn't support one (e.g. a handshake-disabled test double),
// it falls back to a direct WriteMsg so callers can rely on EnqueueMsg
// unconditionally.
func (a *muxTransportAdapter) EnqueueMsg(msg Msg, preempt bool) error {
	queued, ok := a.mux.transport.(interface {
		EnqueueMsg(msg Msg, preempt bool) error
	})
	if !ok {
		return a.WriteMsg(msg)
	}
	if msg.Code >= a.rw.proto.Length {
		return fmt.Errorf("p2p: message code %d exceeds protocol length %d", msg.Code, a.rw.proto.Length)
	}
	wireMsg := Msg{Code: msg.Code + a.rw.offset, Size: msg.Size, Payload: msg.Payload}
	return queued.EnqueueMsg(wireMsg, preempt)
}

// randomID generates a random 32-byte hex-encoded peer ID, used only when
// the handshake is disabled for testing.
func randomID() string {
	var b [32]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
