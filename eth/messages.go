package eth

import (
	"fmt"
	"math/big"

	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/rlp"
)

// eth wire message codes. The core only ever speaks the handshake and the
// transaction-gossip subset of the protocol; block and state synchronization
// codes are intentionally not defined here.
const (
	MsgStatus                     uint64 = 0x00
	MsgTransactions               uint64 = 0x02
	MsgNewPooledTransactionHashes uint64 = 0x08
	MsgGetPooledTransactions      uint64 = 0x09
	MsgPooledTransactions         uint64 = 0x0a

	// MsgUpgradeStatus is a BSC extension sent immediately after Status to
	// negotiate flags outside the base eth/68 handshake.
	MsgUpgradeStatus uint64 = 0x0b
)

// StatusMessage is the eth Status handshake message, exchanged once on
// connection establishment to verify protocol and chain compatibility.
type StatusMessage struct {
	ProtocolVersion uint32
	NetworkID       uint64
	TD              *big.Int
	BestHash        Hash
	Genesis         Hash
	ForkID          p2p.ForkID
}

// UpgradeStatusExtension carries optional post-handshake capability flags a
// peer advertises after the initial Status exchange (BSC's UpgradeStatus
// message). A false DisablePeerTxBroadcast means the peer accepts relayed
// transactions from sources other than its own mempool.
type UpgradeStatusExtension struct {
	DisablePeerTxBroadcast bool
}

// UpgradeStatusMessage follows StatusMessage to negotiate extension flags
// that are not part of the base eth/68 handshake.
type UpgradeStatusMessage struct {
	Extension *UpgradeStatusExtension
}

// TransactionsMessage carries raw RLP-encoded transaction envelopes
// propagated between peers. The core hands each envelope's bytes to the
// configured TxObserver without decoding its fields beyond what TxKindOf
// needs to classify it.
type TransactionsMessage struct {
	Transactions []rlp.Raw
}

// NewPooledTxHashesMsg68 announces new transaction hashes along with their
// envelope types and encoded sizes, as defined by eth/68.
type NewPooledTxHashesMsg68 struct {
	Types  []byte
	Sizes  []uint32
	Hashes []Hash
}

// GetPooledTransactionsMessage requests specific transactions from a peer's
// pool by hash.
type GetPooledTransactionsMessage struct {
	Hashes []Hash
}

// PooledTransactionsMessage is a response carrying raw transaction envelopes
// for a prior GetPooledTransactions request.
type PooledTransactionsMessage struct {
	Transactions []rlp.Raw
}

// EncodeMsg encodes a message struct for the given code into RLP bytes.
// The caller must provide the message type matching code.
func EncodeMsg(code uint64, msg interface{}) ([]byte, error) {
	switch code {
	case MsgStatus:
		sm, ok := msg.(*StatusMessage)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *StatusMessage for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(sm)

	case MsgTransactions:
		tm, ok := msg.(*TransactionsMessage)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *TransactionsMessage for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(tm.Transactions)

	case MsgNewPooledTransactionHashes:
		pm, ok := msg.(*NewPooledTxHashesMsg68)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *NewPooledTxHashesMsg68 for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(pm)

	case MsgGetPooledTransactions:
		gm, ok := msg.(*GetPooledTransactionsMessage)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *GetPooledTransactionsMessage for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(gm.Hashes)

	case MsgPooledTransactions:
		pm, ok := msg.(*PooledTransactionsMessage)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *PooledTransactionsMessage for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(pm.Transactions)

	case MsgUpgradeStatus:
		um, ok := msg.(*UpgradeStatusMessage)
		if !ok {
			return nil, fmt.Errorf("eth: EncodeMsg: expected *UpgradeStatusMessage for code 0x%02x", code)
		}
		return rlp.EncodeToBytes(um)

	default:
		return nil, fmt.Errorf("eth: EncodeMsg: unknown message code 0x%02x", code)
	}
}

// DecodeMsg decodes RLP bytes into the appropriate message struct for the
// given code.
func DecodeMsg(code uint64, data []byte) (interface{}, error) {
	switch code {
	case MsgStatus:
		var m StatusMessage
		if err := rlp.DecodeBytes(data, &m); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg Status: %w", err)
		}
		return &m, nil

	case MsgTransactions:
		var raw []rlp.Raw
		if err := rlp.DecodeBytes(data, &raw); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg Transactions: %w", err)
		}
		return &TransactionsMessage{Transactions: raw}, nil

	case MsgNewPooledTransactionHashes:
		var m NewPooledTxHashesMsg68
		if err := rlp.DecodeBytes(data, &m); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg NewPooledTransactionHashes: %w", err)
		}
		return &m, nil

	case MsgGetPooledTransactions:
		var hashes []Hash
		if err := rlp.DecodeBytes(data, &hashes); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg GetPooledTransactions: %w", err)
		}
		return &GetPooledTransactionsMessage{Hashes: hashes}, nil

	case MsgPooledTransactions:
		var raw []rlp.Raw
		if err := rlp.DecodeBytes(data, &raw); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg PooledTransactions: %w", err)
		}
		return &PooledTransactionsMessage{Transactions: raw}, nil

	case MsgUpgradeStatus:
		var m UpgradeStatusMessage
		if err := rlp.DecodeBytes(data, &m); err != nil {
			return nil, fmt.Errorf("eth: DecodeMsg UpgradeStatus: %w", err)
		}
		return &m, nil

	default:
		return nil, fmt.Errorf("eth: DecodeMsg: unknown message code 0x%02x", code)
	}
}

// MsgCodeName returns a human-readable name for an eth message code.
func MsgCodeName(code uint64) string {
	switch code {
	case MsgStatus:
		return "Status"
	case MsgTransactions:
		return "Transactions"
	case MsgNewPooledTransactionHashes:
		return "NewPooledTransactionHashes"
	case MsgGetPooledTransactions:
		return "GetPooledTransactions"
	case MsgPooledTransactions:
		return "PooledTransactions"
	case MsgUpgradeStatus:
		return "UpgradeStatus"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", code)
	}
}
