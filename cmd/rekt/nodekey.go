package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/eth2030/eth2030/crypto"
)

// loadOrGenerateNodeKey reads a hex-encoded secp256k1 private key from path,
// or generates a new one and writes it to path if the file does not exist
// yet. An empty path yields a fresh key that is not persisted. This mirrors
// how a long-lived node identity survives restarts without requiring a full
// keystore.
func loadOrGenerateNodeKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return crypto.GenerateKey()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return parseNodeKey(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read node key: %w", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.D.Bytes())), 0o600); err != nil {
		return nil, fmt.Errorf("write node key: %w", err)
	}
	return key, nil
}

// parseNodeKey decodes a hex-encoded secp256k1 scalar into a private key,
// deriving its public point on the curve.
func parseNodeKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid node key hex: %w", err)
	}

	key := new(ecdsa.PrivateKey)
	key.PublicKey.Curve = crypto.S256()
	key.D = new(big.Int).SetBytes(b)
	key.PublicKey.X, key.PublicKey.Y = key.PublicKey.Curve.ScalarBaseMult(b)
	return key, nil
}
