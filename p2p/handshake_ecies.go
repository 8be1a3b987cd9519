package p2p

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sort"
	"sync"

	ethcrypto "github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/rlp"
)

const (
	eciesHandshakeVersion = 4
	authMinPadding        = 100
	authMaxPadding        = 300
)

var (
	ErrECIESAuthFailed = errors.New("p2p: ecies auth message verification failed")
	ErrECIESAckFailed  = errors.New("p2p: ecies ack message verification failed")
	ErrECIESVersion    = errors.New("p2p: ecies version mismatch")
)

// authBody is the plaintext RLP body of the Auth message: a recoverable
// signature proving ownership of the sender's static key, the sender's raw
// static public key, its nonce, and the handshake version.
type authBody struct {
	Sig     [65]byte
	ID      [64]byte
	Nonce   [32]byte
	Version uint64
}

// ackBody is the plaintext RLP body of the Ack message.
type ackBody struct {
	EphemeralID [64]byte
	Nonce       [32]byte
	Version     uint64
}

// ECIESHandshake implements the full RLPx ECIES handshake protocol:
// ECIES-encrypted auth/ack, ECDH key agreement, frame cipher key derivation.
type ECIESHandshake struct {
	staticKey       *ecdsa.PrivateKey
	ephemeralKey    *ecdsa.PrivateKey
	remoteStaticPub *ecdsa.PublicKey
	remoteEphPub    *ecdsa.PublicKey
	localNonce      [32]byte
	remoteNonce     [32]byte
	initiator       bool

	ownInitMsg  []byte // raw ciphertext of the auth/ack this side sent
	peerInitMsg []byte // raw ciphertext of the auth/ack this side received

	aesSecret []byte
	macSecret []byte
}

// NewECIESHandshake creates a new ECIES handshake state.
// staticKey is the node's long-lived identity key.
// remoteStaticPub may be nil for the responder side (learned during handshake).
func NewECIESHandshake(staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool) (*ECIESHandshake, error) {
	if staticKey == nil {
		return nil, errors.New("p2p: nil static key")
	}
	ephKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("p2p: generate ephemeral key: %w", err)
	}

	h := &ECIESHandshake{
		staticKey:       staticKey,
		ephemeralKey:    ephKey,
		remoteStaticPub: remoteStaticPub,
		initiator:       initiator,
	}
	if _, err := rand.Read(h.localNonce[:]); err != nil {
		return nil, fmt.Errorf("p2p: generate nonce: %w", err)
	}
	return h, nil
}

// randomPadding returns between authMinPadding and authMaxPadding random bytes.
func randomPadding() ([]byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(authMaxPadding-authMinPadding+1))
	if err != nil {
		return nil, err
	}
	buf := make([]byte, authMinPadding+int(n.Int64()))
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// MakeAuthMsg builds the auth message sent by the initiator.
// Plaintext: RLP([ sig(65), id(64), nonce(32), version ]) + 100-300 random
// padding bytes, where sig is a recoverable ECDSA signature (made with the
// ephemeral key) over ecdh_x(remote_static_pub, own_static_priv) XOR own_nonce.
func (h *ECIESHandshake) MakeAuthMsg() ([]byte, error) {
	if h.remoteStaticPub == nil {
		return nil, errors.New("p2p: remote static key required for auth")
	}

	staticShared, err := ethcrypto.EcdhX(h.staticKey, h.remoteStaticPub)
	if err != nil {
		return nil, fmt.Errorf("p2p: ecdh_x for auth signature: %w", err)
	}
	token := xorBytes(staticShared, h.localNonce[:])

	sig, err := ethcrypto.Sign(token, h.ephemeralKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: sign auth token: %w", err)
	}

	var body authBody
	copy(body.Sig[:], sig)
	copy(body.ID[:], marshalPublicKey(&h.staticKey.PublicKey)[1:])
	body.Nonce = h.localNonce
	body.Version = eciesHandshakeVersion

	plain, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode auth body: %w", err)
	}
	padding, err := randomPadding()
	if err != nil {
		return nil, fmt.Errorf("p2p: auth padding: %w", err)
	}
	plain = append(plain, padding...)

	encrypted, err := ethcrypto.ECIESEncrypt(h.remoteStaticPub, plain)
	if err != nil {
		return nil, fmt.Errorf("p2p: ecies encrypt auth: %w", err)
	}
	h.ownInitMsg = encrypted
	return encrypted, nil
}

// HandleAuthMsg processes a received auth message on the responder side.
// It decrypts with the local static key, takes the remote's static public key
// from the body's id field, and recovers the remote's ephemeral public key
// from the embedded signature. No further check is made here: a sender that
// does not hold the claimed static key yields a wrong ephemeral key, and the
// frame MACs derived from it then fail to verify.
func (h *ECIESHandshake) HandleAuthMsg(data []byte) error {
	h.peerInitMsg = data

	plain, err := ethcrypto.ECIESDecrypt(h.staticKey, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrECIESAuthFailed, err)
	}

	var body authBody
	if err := rlp.DecodeBytes(plain, &body); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrECIESAuthFailed, err)
	}
	if body.Version < eciesHandshakeVersion {
		return fmt.Errorf("%w: remote=%d, local=%d", ErrECIESVersion, body.Version, eciesHandshakeVersion)
	}

	remoteStaticPub := unmarshalRawPubkey(body.ID[:])
	if remoteStaticPub == nil {
		return fmt.Errorf("%w: invalid static key", ErrECIESAuthFailed)
	}

	h.remoteNonce = body.Nonce

	// Recover the ephemeral public key from the signature. The signed token
	// only reproduces if the signer knows the static secret; otherwise the
	// recovered key is wrong and the later frame MACs do not match.
	staticShared, err := ethcrypto.EcdhX(h.staticKey, remoteStaticPub)
	if err != nil {
		return fmt.Errorf("%w: ecdh_x: %v", ErrECIESAuthFailed, err)
	}
	token := xorBytes(staticShared, body.Nonce[:])

	remoteEphBytes, err := ethcrypto.Ecrecover(token, body.Sig[:])
	if err != nil {
		return fmt.Errorf("%w: recover ephemeral key: %v", ErrECIESAuthFailed, err)
	}
	remoteEphPub := parsePublicKey(remoteEphBytes)
	if remoteEphPub == nil {
		return fmt.Errorf("%w: invalid recovered ephemeral key", ErrECIESAuthFailed)
	}

	h.remoteStaticPub = remoteStaticPub
	h.remoteEphPub = remoteEphPub
	return nil
}

// MakeAckMsg builds the ack message sent by the responder.
// Plaintext: RLP([ ephemeral_id(64), nonce(32), version ]) + padding.
func (h *ECIESHandshake) MakeAckMsg() ([]byte, error) {
	if h.remoteStaticPub == nil {
		return nil, errors.New("p2p: remote static key required for ack")
	}

	var body ackBody
	copy(body.EphemeralID[:], marshalPublicKey(&h.ephemeralKey.PublicKey)[1:])
	body.Nonce = h.localNonce
	body.Version = eciesHandshakeVersion

	plain, err := rlp.EncodeToBytes(body)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode ack body: %w", err)
	}
	padding, err := randomPadding()
	if err != nil {
		return nil, fmt.Errorf("p2p: ack padding: %w", err)
	}
	plain = append(plain, padding...)

	encrypted, err := ethcrypto.ECIESEncrypt(h.remoteStaticPub, plain)
	if err != nil {
		return nil, fmt.Errorf("p2p: ecies encrypt ack: %w", err)
	}
	h.ownInitMsg = encrypted
	return encrypted, nil
}

// HandleAckMsg processes a received ack message on the initiator side.
func (h *ECIESHandshake) HandleAckMsg(data []byte) error {
	h.peerInitMsg = data

	plain, err := ethcrypto.ECIESDecrypt(h.staticKey, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrECIESAckFailed, err)
	}

	var body ackBody
	if err := rlp.DecodeBytes(plain, &body); err != nil {
		return fmt.Errorf("%w: malformed body: %v", ErrECIESAckFailed, err)
	}
	if body.Version < eciesHandshakeVersion {
		return fmt.Errorf("%w: remote=%d, local=%d", ErrECIESVersion, body.Version, eciesHandshakeVersion)
	}

	remoteEphPub := unmarshalRawPubkey(body.EphemeralID[:])
	if remoteEphPub == nil {
		return fmt.Errorf("%w: invalid ephemeral key", ErrECIESAckFailed)
	}

	h.remoteNonce = body.Nonce
	h.remoteEphPub = remoteEphPub
	return nil
}

// DeriveSecrets computes the frame cipher secrets from the ephemeral ECDH
// shared point and both nonces, following the chain:
// ephemeral_shared -> h_nonce -> shared_secret -> aes_secret -> mac_secret,
// each stage hashed with Keccak-256.
func (h *ECIESHandshake) DeriveSecrets() error {
	if h.remoteEphPub == nil {
		return errors.New("p2p: remote ephemeral key not set")
	}

	ephemeralShared, err := ethcrypto.EcdhX(h.ephemeralKey, h.remoteEphPub)
	if err != nil {
		return fmt.Errorf("p2p: ephemeral ecdh: %w", err)
	}

	initNonce, respNonce := h.orderedNonces()

	hNonce := ethcrypto.Keccak256(initNonce, respNonce)
	sharedSecret := ethcrypto.Keccak256(ephemeralShared, hNonce)
	h.aesSecret = ethcrypto.Keccak256(ephemeralShared, sharedSecret)
	h.macSecret = ethcrypto.Keccak256(ephemeralShared, h.aesSecret)
	return nil
}

// orderedNonces returns (initiator_nonce, recipient_nonce) regardless of
// which side of the handshake this instance played.
func (h *ECIESHandshake) orderedNonces() (init, resp []byte) {
	if h.initiator {
		return h.localNonce[:], h.remoteNonce[:]
	}
	return h.remoteNonce[:], h.localNonce[:]
}

// AESSecret returns the derived aes_secret (32 bytes). Must be called after DeriveSecrets.
func (h *ECIESHandshake) AESSecret() []byte { return h.aesSecret }

// MACSecret returns the derived mac_secret (32 bytes). Must be called after DeriveSecrets.
func (h *ECIESHandshake) MACSecret() []byte { return h.macSecret }

// RemoteStaticPub returns the remote peer's static public key.
func (h *ECIESHandshake) RemoteStaticPub() *ecdsa.PublicKey { return h.remoteStaticPub }

// LocalNonce returns the local nonce.
func (h *ECIESHandshake) LocalNonce() [32]byte { return h.localNonce }

// RemoteNonce returns the remote nonce.
func (h *ECIESHandshake) RemoteNonce() [32]byte { return h.remoteNonce }

// xorBytes XORs two equal-length byte slices, returning a new slice.
func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i%len(b)]
	}
	return out
}

// unmarshalRawPubkey parses a 64-byte raw (no 0x04 prefix) secp256k1 public key.
func unmarshalRawPubkey(raw []byte) *ecdsa.PublicKey {
	if len(raw) != 64 {
		return nil
	}
	padded := make([]byte, 65)
	padded[0] = 0x04
	copy(padded[1:], raw)
	return parsePublicKey(padded)
}

// --- Full handshake over a connection ---

// DoECIESHandshake performs the complete ECIES handshake over a net.Conn.
// For the initiator: sends auth, receives ack.
// For the responder: receives auth, sends ack.
// On success, it returns the FrameCodec configured with derived keys.
func DoECIESHandshake(conn net.Conn, staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool, caps []Cap) (*FrameCodec, error) {
	hs, err := NewECIESHandshake(staticKey, remoteStaticPub, initiator)
	if err != nil {
		return nil, err
	}

	if initiator {
		// Send auth message.
		authMsg, err := hs.MakeAuthMsg()
		if err != nil {
			return nil, err
		}
		if err := writeSizedMsg(conn, authMsg); err != nil {
			return nil, fmt.Errorf("p2p: write auth: %w", err)
		}

		// Read ack message.
		ackData, err := readSizedMsg(conn)
		if err != nil {
			return nil, fmt.Errorf("p2p: read ack: %w", err)
		}
		if err := hs.HandleAckMsg(ackData); err != nil {
			return nil, err
		}
	} else {
		// Read auth message.
		authData, err := readSizedMsg(conn)
		if err != nil {
			return nil, fmt.Errorf("p2p: read auth: %w", err)
		}
		if err := hs.HandleAuthMsg(authData); err != nil {
			return nil, err
		}

		// Send ack message.
		ackMsg, err := hs.MakeAckMsg()
		if err != nil {
			return nil, err
		}
		if err := writeSizedMsg(conn, ackMsg); err != nil {
			return nil, fmt.Errorf("p2p: write ack: %w", err)
		}
	}

	// Derive shared secrets.
	if err := hs.DeriveSecrets(); err != nil {
		return nil, err
	}

	// Build the frame codec.
	return NewFrameCodec(conn, FrameCodecConfig{
		AESSecret:    hs.aesSecret,
		MACSecret:    hs.macSecret,
		OwnNonce:     hs.localNonce,
		PeerNonce:    hs.remoteNonce,
		OwnInitMsg:   hs.ownInitMsg,
		PeerInitMsg:  hs.peerInitMsg,
		Initiator:    initiator,
		EnableSnappy: true,
		Caps:         caps,
	})
}

// --- Capability negotiation ---

// NegotiateCaps performs full capability matching between local and remote
// capability lists. It returns one entry per protocol name present on both
// sides, sorted by name, whose version is the lower of the two sides' highest
// advertised versions for that name.
func NegotiateCaps(local, remote []Cap) []Cap {
	localMax := make(map[string]uint)
	for _, c := range local {
		if v, ok := localMax[c.Name]; !ok || c.Version > v {
			localMax[c.Name] = c.Version
		}
	}

	remoteMax := make(map[string]uint)
	for _, c := range remote {
		if v, ok := remoteMax[c.Name]; !ok || c.Version > v {
			remoteMax[c.Name] = c.Version
		}
	}

	var matched []Cap
	for name, lv := range localMax {
		if rv, ok := remoteMax[name]; ok {
			v := lv
			if rv < v {
				v = rv
			}
			matched = append(matched, Cap{Name: name, Version: v})
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Name != matched[j].Name {
			return matched[i].Name < matched[j].Name
		}
		return matched[i].Version < matched[j].Version
	})
	return matched
}

// FullHandshake performs both the ECIES transport handshake and the devp2p
// hello handshake in sequence. It returns the negotiated capabilities,
// the FrameCodec for message I/O, and the remote HelloPacket.
func FullHandshake(conn net.Conn, staticKey *ecdsa.PrivateKey, remoteStaticPub *ecdsa.PublicKey, initiator bool, localHello *HelloPacket) (*FrameCodec, *HelloPacket, []Cap, error) {
	// Step 1: ECIES transport handshake.
	codec, err := DoECIESHandshake(conn, staticKey, remoteStaticPub, initiator, localHello.Caps)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("p2p: ecies handshake: %w", err)
	}

	// Step 2: devp2p hello handshake over the encrypted transport.
	type result struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan result, 1)
	sendCh := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		payload := EncodeHello(localHello)
		sendCh <- codec.WriteMsg(Msg{
			Code:    HelloMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
	}()

	go func() {
		defer wg.Done()
		msg, err := codec.ReadMsg()
		if err != nil {
			recvCh <- result{nil, err}
			return
		}
		if msg.Code != HelloMsg {
			recvCh <- result{nil, fmt.Errorf("p2p: expected hello, got 0x%02x", msg.Code)}
			return
		}
		hello, err := DecodeHello(msg.Payload)
		recvCh <- result{hello, err}
	}()

	if err := <-sendCh; err != nil {
		codec.Close()
		return nil, nil, nil, fmt.Errorf("p2p: send hello: %w", err)
	}

	res := <-recvCh
	wg.Wait()

	if res.err != nil {
		codec.Close()
		return nil, nil, nil, fmt.Errorf("p2p: recv hello: %w", res.err)
	}

	// Step 3: Validate version.
	if res.hello.Version < baseProtocolVersion {
		codec.SendDisconnect(DiscProtocolError)
		return nil, nil, nil, fmt.Errorf("%w: remote=%d, local=%d",
			ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	// Step 4: Negotiate capabilities.
	matched := NegotiateCaps(localHello.Caps, res.hello.Caps)
	if len(matched) == 0 {
		codec.SendDisconnect(DiscUselessPeer)
		return nil, nil, nil, ErrNoMatchingCaps
	}

	return codec, res.hello, matched, nil
}

// --- Wire helpers ---

// writeSizedMsg writes a 2-byte length prefix followed by the message data.
func writeSizedMsg(conn net.Conn, data []byte) error {
	var lenBuf [2]byte
	lenBuf[0] = byte(len(data) >> 8)
	lenBuf[1] = byte(len(data))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := conn.Write(data)
	return err
}

// readSizedMsg reads a 2-byte length prefix and then the message data.
func readSizedMsg(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	size := int(lenBuf[0])<<8 | int(lenBuf[1])
	if size == 0 {
		return nil, errors.New("p2p: zero-length sized message")
	}
	if size > 65535 {
		return nil, errors.New("p2p: sized message too large")
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

// marshalPublicKey returns the 65-byte uncompressed encoding of a secp256k1 public key.
func marshalPublicKey(pub *ecdsa.PublicKey) []byte {
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}

// parsePublicKey parses a 65-byte uncompressed secp256k1 public key.
func parsePublicKey(data []byte) *ecdsa.PublicKey {
	if len(data) != 65 || data[0] != 0x04 {
		return nil
	}
	curve := ethcrypto.S256()
	x, y := elliptic.Unmarshal(curve, data)
	if x == nil {
		return nil
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
}

// StaticPubKey returns the 65-byte uncompressed encoding of the given
// ECDSA public key. Useful for logging and comparison.
func StaticPubKey(key *ecdsa.PublicKey) []byte {
	return marshalPublicKey(key)
}

// VerifyRemoteIdentity checks that the remote static public key received
// during the ECIES handshake matches the expected key. Returns nil if they
// match, or an error describing the mismatch.
func VerifyRemoteIdentity(got, expected *ecdsa.PublicKey) error {
	if expected == nil {
		return nil // no expectation; accept any key
	}
	if got == nil {
		return errors.New("p2p: no remote static key received")
	}
	gotBytes := marshalPublicKey(got)
	expectedBytes := marshalPublicKey(expected)
	h1 := sha256.Sum256(gotBytes)
	h2 := sha256.Sum256(expectedBytes)
	if h1 != h2 {
		return errors.New("p2p: remote identity mismatch")
	}
	return nil
}
