// Package eth implements the eth sub-protocol wire format carried over an
// RLPx session: the Status/UpgradeStatus handshake and the transaction
// gossip messages (Transactions, NewPooledTransactionHashes,
// GetPooledTransactions, PooledTransactions). Block and state synchronization
// are not part of this package; the core only ever observes and forwards
// transactions, it never executes or stores chain state.
package eth

import (
	"math/big"

	"github.com/eth2030/eth2030/p2p"
)

// ProtocolVersion is the eth sub-protocol version this client speaks.
const ProtocolVersion = 68

// ProtocolName is the devp2p capability name advertised in the Hello message.
const ProtocolName = "eth"

// Hash is a 32-byte value: a block hash, a genesis hash, or a transaction
// hash. The core treats hashes as opaque keys; it never interprets block
// contents.
type Hash [32]byte

// StatusInfo holds the local chain status exchanged during the eth Status
// handshake. EthPeer.Handshake compares only NetworkID and Genesis with the
// remote Status; ProtocolVersion and ForkID are sent but not checked against
// the remote's values. The values are supplied by the external
// chain-spec/config collaborator.
type StatusInfo struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	Head            Hash
	Genesis         Hash
	ForkID          p2p.ForkID
}
