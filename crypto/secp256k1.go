package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"math/big"
)

// secp256k1N is the order of the secp256k1 curve.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// secp256k1halfN is half the order, used for Homestead low-S check.
var secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

// s256 is kept as an alias of S256 for call sites that predate the real curve.
var s256 = S256()

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(S256(), rand.Reader)
}

// Sign calculates a recoverable ECDSA signature (65 bytes [R || S || V]).
// V is the recovery ID (0 or 1), found by trial recovery against both
// candidate public keys, as devp2p's Auth/Ack signatures require.
func Sign(hash []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	r, ss, err := ecdsa.Sign(rand.Reader, prv, hash)
	if err != nil {
		return nil, err
	}
	// Normalize S to the lower half of the curve order (EIP-2 / Homestead).
	if ss.Cmp(secp256k1halfN) > 0 {
		ss = new(big.Int).Sub(secp256k1N, ss)
	}

	sig := make([]byte, 65)
	rBytes := r.Bytes()
	sBytes := ss.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)

	// Trial-recover to find the matching V.
	for v := byte(0); v < 2; v++ {
		sig[64] = v
		pub, err := SigToPub(hash, sig)
		if err != nil {
			continue
		}
		if pub.X.Cmp(prv.PublicKey.X) == 0 && pub.Y.Cmp(prv.PublicKey.Y) == 0 {
			return sig, nil
		}
	}
	return nil, errors.New("crypto: failed to determine recovery id")
}

// Ecrecover recovers the uncompressed public key from hash and signature.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the public key from a 32-byte hash and a 65-byte
// compact signature [R || S || V] using real secp256k1 point recovery.
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes [R || S || V]")
	}
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	r := new(big.Int).SetBytes(sig[:32])
	ssig := new(big.Int).SetBytes(sig[32:64])
	v := sig[64]
	if v > 3 {
		return nil, errInvalidRecoveryID
	}
	x, y, err := recoverPublicKey(hash, r, ssig, v&1)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: S256(), X: x, Y: y}, nil
}

// ValidateSignature verifies that the given signature (64 bytes, no V) is valid
// for the provided 65-byte uncompressed public key and 32-byte hash.
func ValidateSignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	if len(hash) != 32 {
		return false
	}
	if len(pubkey) != 65 || pubkey[0] != 0x04 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	x := new(big.Int).SetBytes(pubkey[1:33])
	y := new(big.Int).SetBytes(pubkey[33:65])
	pub := &ecdsa.PublicKey{Curve: s256, X: x, Y: y}
	return ecdsa.Verify(pub, hash, r, s)
}

// ValidateSignatureValues checks r, s, v for validity per Homestead rules.
// If homestead is true, s must be in the lower half of the curve order.
func ValidateSignatureValues(v byte, r, s *big.Int, homestead bool) bool {
	if r == nil || s == nil {
		return false
	}
	if v > 1 {
		return false
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	if r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0 {
		return false
	}
	if homestead && s.Cmp(secp256k1halfN) > 0 {
		return false
	}
	return true
}

// Address is a 20-byte Ethereum-style account address, derived from a
// public key as Keccak256(pubkey[1:])[12:]. The core never signs or
// executes transactions; this exists only so crypto.PubkeyToAddress can
// hand a stable, comparable identity back to external callers.
type Address [20]byte

// IsZero reports whether the address is the zero value.
func (a Address) IsZero() bool { return a == Address{} }

// PubkeyToAddress derives the Ethereum address from a public key.
func PubkeyToAddress(p ecdsa.PublicKey) Address {
	var addr Address
	pubBytes := FromECDSAPub(&p)
	if pubBytes == nil {
		return addr
	}
	hash := Keccak256(pubBytes[1:])
	copy(addr[:], hash[12:])
	return addr
}

// CompressPubkey compresses a 65-byte uncompressed public key to 33 bytes.
func CompressPubkey(pubkey *ecdsa.PublicKey) []byte {
	if pubkey == nil || pubkey.X == nil || pubkey.Y == nil {
		return nil
	}
	return elliptic.MarshalCompressed(s256, pubkey.X, pubkey.Y)
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	if len(pubkey) != 33 {
		return nil, errors.New("invalid compressed public key length")
	}
	if pubkey[0] != 0x02 && pubkey[0] != 0x03 {
		return nil, errors.New("invalid compressed public key")
	}
	// elliptic.UnmarshalCompressed assumes a = -3, so solve y^2 = x^3 + 7 here.
	curve := S256().(*secp256k1Curve)
	x := new(big.Int).SetBytes(pubkey[1:])
	if x.Cmp(curve.p) >= 0 {
		return nil, errors.New("invalid compressed public key")
	}
	y := computeY(x, curve.p)
	if y == nil {
		return nil, errors.New("invalid compressed public key")
	}
	if y.Bit(0) != uint(pubkey[0]&1) {
		y.Sub(curve.p, y)
	}
	return &ecdsa.PublicKey{Curve: s256, X: x, Y: y}, nil
}

// FromECDSAPub marshals a public key to 65-byte uncompressed format.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}
