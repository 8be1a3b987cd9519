package eth

import (
	"fmt"
	"sync/atomic"

	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/rlp"
)

// EthPeer wraps a p2p.Peer with eth protocol-specific send/request methods.
// The core never requests block data; SendTransactions and the pooled-hash
// exchange are its only outbound verbs.
type EthPeer struct {
	peer      *p2p.Peer
	transport p2p.Transport
	reqID     atomic.Uint64
}

// NewEthPeer creates a new EthPeer wrapping the given p2p peer and transport.
func NewEthPeer(peer *p2p.Peer, t p2p.Transport) *EthPeer {
	return &EthPeer{
		peer:      peer,
		transport: t,
	}
}

// Peer returns the underlying p2p.Peer.
func (ep *EthPeer) Peer() *p2p.Peer { return ep.peer }

// ID returns the peer's unique identifier.
func (ep *EthPeer) ID() string { return ep.peer.ID() }

// nextRequestID returns a monotonically increasing request ID.
func (ep *EthPeer) nextRequestID() uint64 {
	return ep.reqID.Add(1)
}

// sendMessage encodes val for the given eth message code and writes it.
func (ep *EthPeer) sendMessage(code uint64, val interface{}) error {
	return ep.sendMessageQueued(code, val, false)
}

// sendMessageQueued encodes val and submits it via the transport's bounded
// egress FIFO when available (see p2p.QueuedTransport), falling back to a
// direct WriteMsg otherwise. preempt marks an already-compressed priority
// frame that should jump the queue, per spec.md's egress discipline.
func (ep *EthPeer) sendMessageQueued(code uint64, val interface{}, preempt bool) error {
	payload, err := EncodeMsg(code, val)
	if err != nil {
		return fmt.Errorf("eth: encode %s: %w", MsgCodeName(code), err)
	}
	msg := p2p.Msg{Code: code, Size: uint32(len(payload)), Payload: payload}

	if queued, ok := ep.transport.(p2p.QueuedTransport); ok {
		return queued.EnqueueMsg(msg, preempt)
	}
	return ep.transport.WriteMsg(msg)
}

// SendStatus sends a Status handshake message to the remote peer.
func (ep *EthPeer) SendStatus(status *StatusMessage) error {
	return ep.sendMessage(MsgStatus, status)
}

// SendUpgradeStatus sends the post-handshake UpgradeStatus extension.
func (ep *EthPeer) SendUpgradeStatus(ext *UpgradeStatusExtension) error {
	return ep.sendMessage(MsgUpgradeStatus, &UpgradeStatusMessage{Extension: ext})
}

// SendTransactions gossips a batch of raw transaction envelopes to the peer.
// Transaction gossip is the priority egress path: it preempts whatever else
// is queued, per spec.md's egress discipline.
func (ep *EthPeer) SendTransactions(txs []rlp.Raw) error {
	return ep.sendMessageQueued(MsgTransactions, &TransactionsMessage{Transactions: txs}, true)
}

// AnnounceTransactions advertises new transaction hashes without sending
// their full bodies, letting the peer request the ones it is missing.
func (ep *EthPeer) AnnounceTransactions(kinds []byte, sizes []uint32, hashes []Hash) error {
	return ep.sendMessage(MsgNewPooledTransactionHashes, &NewPooledTxHashesMsg68{
		Types:  kinds,
		Sizes:  sizes,
		Hashes: hashes,
	})
}

// RequestPooledTransactions requests specific pooled transactions by hash.
func (ep *EthPeer) RequestPooledTransactions(hashes []Hash) (uint64, error) {
	reqID := ep.nextRequestID()
	err := ep.sendMessage(MsgGetPooledTransactions, &GetPooledTransactionsMessage{Hashes: hashes})
	return reqID, err
}

// SendPooledTransactions responds to a GetPooledTransactions request.
func (ep *EthPeer) SendPooledTransactions(txs []rlp.Raw) error {
	return ep.sendMessage(MsgPooledTransactions, &PooledTransactionsMessage{Transactions: txs})
}

// Handshake performs the eth protocol handshake by exchanging Status
// messages and checking the remote's network ID and genesis hash. It does
// not send or wait for UpgradeStatus; Handler.runPeer sends that afterwards.
func (ep *EthPeer) Handshake(local *StatusMessage) (*StatusMessage, error) {
	if err := ep.SendStatus(local); err != nil {
		return nil, fmt.Errorf("eth: send status: %w", err)
	}

	msg, err := ep.transport.ReadMsg()
	if err != nil {
		return nil, fmt.Errorf("eth: read status: %w", err)
	}
	if msg.Code != MsgStatus {
		return nil, fmt.Errorf("eth: expected status (0x%02x), got 0x%02x", MsgStatus, msg.Code)
	}

	decoded, err := DecodeMsg(MsgStatus, msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("eth: decode remote status: %w", err)
	}
	remote := decoded.(*StatusMessage)

	if remote.NetworkID != local.NetworkID {
		return nil, fmt.Errorf("eth: network ID mismatch: local %d, remote %d", local.NetworkID, remote.NetworkID)
	}
	if remote.Genesis != local.Genesis {
		return nil, fmt.Errorf("eth: genesis mismatch: local %x, remote %x", local.Genesis, remote.Genesis)
	}

	return remote, nil
}
