package eth

import (
	"errors"
	"fmt"
	"log"
	"math/big"

	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/p2p/enode"
)

var (
	ErrIncompatibleVersion = errors.New("eth: incompatible protocol version")
	ErrNetworkIDMismatch   = errors.New("eth: network ID mismatch")
	ErrGenesisMismatch     = errors.New("eth: genesis block mismatch")
)

// TxObserver is invoked for every transaction envelope the handler receives,
// whether carried in a Transactions message or fetched in response to a
// PooledTransactions request. The core never decodes the envelope; it only
// classifies it with TxKindOf and forwards the raw bytes.
type TxObserver func(peerID enode.NodeID, kind TxKind, raw []byte)

// Handler implements the eth sub-protocol message loop: Status/UpgradeStatus
// handshake followed by transaction gossip dispatch. It holds no chain state
// and performs no block or state synchronization.
type Handler struct {
	status    StatusInfo
	networkID uint64
	peers     *EthPeerSet

	// observer receives every transaction envelope seen from a peer.
	observer TxObserver

	// upgrade is sent immediately following Status, matching BSC's
	// extended handshake. Nil disables the UpgradeStatus exchange.
	upgrade *UpgradeStatusExtension
}

// NewHandler creates an eth protocol handler for the given network and
// local chain status. maxPeers and minVersion bound the handler's peer set.
func NewHandler(status StatusInfo, maxPeers int, minVersion uint32) *Handler {
	return &Handler{
		status:    status,
		networkID: status.NetworkID,
		peers:     NewEthPeerSet(maxPeers, minVersion),
	}
}

// SetTxObserver registers the callback invoked for every transaction
// envelope relayed by a connected peer.
func (h *Handler) SetTxObserver(fn TxObserver) {
	h.observer = fn
}

// SetUpgradeStatus configures the extension sent after Status. Pass nil to
// disable the UpgradeStatus exchange entirely.
func (h *Handler) SetUpgradeStatus(ext *UpgradeStatusExtension) {
	h.upgrade = ext
}

// Peers returns the handler's peer set.
func (h *Handler) Peers() *EthPeerSet {
	return h.peers
}

// Protocol returns a p2p.Protocol that can be registered with the P2P server.
func (h *Handler) Protocol() p2p.Protocol {
	return p2p.Protocol{
		Name:    ProtocolName,
		Version: uint(ProtocolVersion),
		Length:  13,
		Run:     h.runPeer,
	}
}

// runPeer is called by the P2P server for each connected peer. It performs
// the Status handshake, optionally the UpgradeStatus exchange, registers
// the peer, and enters the message loop until the connection closes.
func (h *Handler) runPeer(peer *p2p.Peer, t p2p.Transport) error {
	ethPeer := NewEthPeer(peer, t)

	local := &StatusMessage{
		ProtocolVersion: h.status.ProtocolVersion,
		NetworkID:       h.status.NetworkID,
		TD:              h.status.TD,
		BestHash:        h.status.Head,
		Genesis:         h.status.Genesis,
		ForkID:          h.status.ForkID,
	}
	if local.TD == nil {
		local.TD = new(big.Int)
	}

	remote, err := ethPeer.Handshake(local)
	if err != nil {
		return err
	}

	if h.upgrade != nil {
		if err := ethPeer.SendUpgradeStatus(h.upgrade); err != nil {
			return fmt.Errorf("eth: send upgrade status: %w", err)
		}
	}

	if err := h.peers.Register(ethPeer, remote.ProtocolVersion); err != nil {
		return err
	}
	defer h.peers.Unregister(ethPeer.ID())

	return h.handleMessages(ethPeer)
}

// handleMessages reads and dispatches messages from the peer until the
// transport returns an error (peer disconnected).
func (h *Handler) handleMessages(ep *EthPeer) error {
	for {
		code, msg, err := ReadMessage(ep.transport)
		if err != nil {
			return err
		}
		if err := h.handleMsg(ep, code, msg); err != nil {
			return err
		}
	}
}

// HandleMsg dispatches a single decoded message to the appropriate handler.
// Exported for testing.
func (h *Handler) HandleMsg(ep *EthPeer, code uint64, msg interface{}) error {
	return h.handleMsg(ep, code, msg)
}

func (h *Handler) handleMsg(ep *EthPeer, code uint64, msg interface{}) error {
	switch code {
	case MsgStatus:
		return fmt.Errorf("eth: unexpected status message after handshake")

	case MsgUpgradeStatus:
		return nil // Informational only; no local state depends on it.

	case MsgTransactions:
		return h.handleTransactions(ep, msg.(*TransactionsMessage))

	case MsgNewPooledTransactionHashes:
		return h.handleNewPooledTxHashes(ep, msg.(*NewPooledTxHashesMsg68))

	case MsgGetPooledTransactions:
		return h.handleGetPooledTransactions(ep, msg.(*GetPooledTransactionsMessage))

	case MsgPooledTransactions:
		return h.handlePooledTransactions(ep, msg.(*PooledTransactionsMessage))

	default:
		log.Printf("eth: ignoring unknown message code 0x%02x from %s", code, ep.ID())
		return nil
	}
}

// handleTransactions forwards every envelope in a Transactions message to
// the registered observer, scoring the peer on malformed envelopes.
func (h *Handler) handleTransactions(ep *EthPeer, msg *TransactionsMessage) error {
	for _, raw := range msg.Transactions {
		h.observeEnvelope(ep, raw)
	}
	return nil
}

// handlePooledTransactions forwards envelopes returned in response to a
// prior GetPooledTransactions request.
func (h *Handler) handlePooledTransactions(ep *EthPeer, msg *PooledTransactionsMessage) error {
	for _, raw := range msg.Transactions {
		h.observeEnvelope(ep, raw)
	}
	return nil
}

// handleNewPooledTxHashes logs announced hashes. The core does not maintain
// a local pool to reconcile against, so it never issues a follow-up
// GetPooledTransactions request on its own; external callers wishing to
// fetch an announced transaction can do so via EthPeer.RequestPooledTransactions.
func (h *Handler) handleNewPooledTxHashes(ep *EthPeer, msg *NewPooledTxHashesMsg68) error {
	if len(msg.Hashes) != len(msg.Types) || len(msg.Hashes) != len(msg.Sizes) {
		h.peers.RecordBadMessage(ep.ID())
		return fmt.Errorf("eth: malformed NewPooledTransactionHashes from %s: mismatched array lengths", ep.ID())
	}
	return nil
}

// handleGetPooledTransactions responds with an empty set: the core never
// holds a pool of its own to serve requests from.
func (h *Handler) handleGetPooledTransactions(ep *EthPeer, msg *GetPooledTransactionsMessage) error {
	return ep.SendPooledTransactions(nil)
}

// observeEnvelope classifies a single transaction envelope and forwards it
// to the TxObserver callback, recording a bad-message score on malformed
// envelopes instead of disconnecting the peer.
func (h *Handler) observeEnvelope(ep *EthPeer, raw []byte) {
	kind, err := TxKindOf(raw)
	if err != nil {
		h.peers.RecordBadMessage(ep.ID())
		return
	}
	h.peers.RecordGoodTx(ep.ID())
	if h.observer != nil {
		h.observer(enode.HexID(ep.ID()), kind, raw)
	}
}
