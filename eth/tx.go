package eth

import (
	"errors"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/rlp"
)

// TxKind classifies a gossiped transaction envelope by its EIP-2718 type.
// The core never decodes a transaction's signature or field values; it only
// needs enough of the envelope shape to hash it and tell the TxObserver
// callback what kind of transaction arrived.
type TxKind byte

const (
	TxLegacy TxKind = iota
	TxAccessList
	TxDynamicFee
	TxBlob
)

func (k TxKind) String() string {
	switch k {
	case TxLegacy:
		return "legacy"
	case TxAccessList:
		return "accessList"
	case TxDynamicFee:
		return "dynamicFee"
	case TxBlob:
		return "blob"
	default:
		return "unknown"
	}
}

var errEmptyTxEnvelope = errors.New("eth: empty transaction envelope")

// TxKindOf classifies a raw transaction envelope (the exact wire bytes, as
// produced by rlp.Raw) without decoding its fields. Per EIP-2718, an
// envelope that is an RLP list is a legacy transaction; an envelope that is
// an RLP string carries a one-byte type tag followed by the typed payload.
func TxKindOf(raw []byte) (TxKind, error) {
	if len(raw) == 0 {
		return 0, errEmptyTxEnvelope
	}
	prefix := raw[0]
	if prefix >= 0xc0 {
		return TxLegacy, nil
	}

	typeByte, err := firstPayloadByte(raw)
	if err != nil {
		return 0, err
	}
	switch typeByte {
	case 0x01:
		return TxAccessList, nil
	case 0x02:
		return TxDynamicFee, nil
	case 0x03:
		return TxBlob, nil
	default:
		return 0, errors.New("eth: unknown transaction type byte")
	}
}

// firstPayloadByte returns the first content byte of an RLP string item.
func firstPayloadByte(raw []byte) (byte, error) {
	prefix := raw[0]
	switch {
	case prefix <= 0x7f:
		return prefix, nil
	case prefix <= 0xb7:
		if prefix == 0x80 {
			return 0, errEmptyTxEnvelope
		}
		return raw[1], nil
	case prefix <= 0xbf:
		lenOfLen := int(prefix - 0xb7)
		if len(raw) < 1+lenOfLen+1 {
			return 0, errEmptyTxEnvelope
		}
		return raw[1+lenOfLen], nil
	default:
		return 0, errors.New("eth: malformed transaction envelope")
	}
}

// TxHash returns the Keccak-256 hash of a transaction's raw envelope bytes,
// used as its pool and gossip identity.
func TxHash(raw []byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(raw))
	return h
}

// EncodeTxEnvelope re-wraps raw transaction bytes as an rlp.Raw value
// suitable for inclusion in a TransactionsMessage or PooledTransactionsMessage.
func EncodeTxEnvelope(raw []byte) rlp.Raw {
	return rlp.Raw(raw)
}
