package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

const (
	snappyMaxDecompressed = 2 * 1024 * 1024 // 2 MiB max decompressed size
	codecHeaderSize       = 16              // encrypted frame header size
	codecMACSize          = 16              // Ethereum MAC tag size
	maxCodecFrameSize     = 2 * 1024 * 1024 // 2 MiB max frame body, per MAX_FRAME_BODY
	maxEgressQueue        = 50              // MAX_WRITER_QUEUE: bounded egress FIFO depth
)

// headerSuffix is the fixed RLP([0,0]) tail (capability-id=0, context-id=0)
// that fills the last 13 bytes of every frame header, zero-padded.
var headerSuffix = [13]byte{0xc2, 0x80, 0x80}

var (
	ErrSnappyDecompressTooLarge = errors.New("p2p: snappy decompressed data too large")
	ErrCodecClosed              = errors.New("p2p: frame codec closed")
	ErrUnknownCapability        = errors.New("p2p: unknown capability for message code")
	ErrBadMAC                   = errors.New("p2p: frame MAC mismatch")
	ErrEgressQueueFull          = errors.New("p2p: egress queue full, not ready")
)

// ethereumMAC implements the nonstandard RLPx frame MAC: a running Keccak-256
// accumulator whose digest is folded back in via AES-256-ECB (single block)
// encryption after every header or body update.
type ethereumMAC struct {
	cipher cipher.Block
	hash   hash.Hash
}

// newEthereumMAC builds a MAC state keyed by secret (32 bytes, used as the
// AES-256 key) and seeded with (secret XOR nonce) followed by the raw
// ciphertext of the auth/ack packet this side is accounting for.
func newEthereumMAC(secret, nonce, initPacket []byte) (*ethereumMAC, error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("p2p: mac cipher: %w", err)
	}
	m := &ethereumMAC{cipher: block, hash: sha3.NewLegacyKeccak256()}

	seed := make([]byte, len(secret))
	for i := range seed {
		seed[i] = secret[i] ^ nonce[i%len(nonce)]
	}
	m.hash.Write(seed)
	m.hash.Write(initPacket)
	return m, nil
}

// digest returns the low 16 bytes of the current Keccak-256 state without
// mutating it.
func (m *ethereumMAC) digest() []byte {
	sum := m.hash.Sum(nil)
	return sum[:16]
}

// computeHeader folds the encrypted header h into the accumulator and
// returns the resulting 16-byte MAC.
func (m *ethereumMAC) computeHeader(h []byte) []byte {
	d := m.digest()
	enc := make([]byte, 16)
	m.cipher.Encrypt(enc, d)
	for i := range enc {
		enc[i] ^= h[i]
	}
	m.hash.Write(enc)
	return m.digest()
}

// computeBody folds the encrypted, padded body b into the accumulator and
// returns the resulting 16-byte MAC.
func (m *ethereumMAC) computeBody(b []byte) []byte {
	m.hash.Write(b)
	d := m.digest()
	enc := make([]byte, 16)
	m.cipher.Encrypt(enc, d)
	for i := range enc {
		enc[i] ^= d[i]
	}
	m.hash.Write(enc)
	return m.digest()
}

// FrameCodec implements the RLPx frame codec with AES-256-CTR encryption,
// the Ethereum MAC, snappy compression, capability offset multiplexing, and
// ping/pong keepalive.
type FrameCodec struct {
	conn      net.Conn
	encStream cipher.Stream
	decStream cipher.Stream
	egressMAC *ethereumMAC
	ingrMAC   *ethereumMAC

	snappyEnabled bool
	capOffsets    []capOffset

	// egressQueue is the bounded, priority-aware FIFO described in spec.md's
	// egress discipline: ordinary sends append, preempt sends clear it
	// first. Its drain loop starts with StartKeepalive.
	egressQueue   chan Msg
	lastPong      time.Time
	keepaliveDone chan struct{}
	keepaliveOnce sync.Once

	rmu, wmu, mu sync.Mutex
	closed       bool
}

// capOffset maps a capability to its message code offset and length.
type capOffset struct {
	Name    string
	Version uint
	Offset  uint64
	Length  uint64
}

// FrameCodecConfig holds the derived secrets and per-side MAC seeding
// material needed to build a FrameCodec after the ECIES handshake.
type FrameCodecConfig struct {
	AESSecret []byte // 32-byte aes_secret; AES-256-CTR key for both directions, IV=0.
	MACSecret []byte // 32-byte mac_secret; AES-256 key for the Ethereum MAC.

	OwnNonce    [32]byte // this side's handshake nonce
	PeerNonce   [32]byte // the remote side's handshake nonce
	OwnInitMsg  []byte   // raw ciphertext of the auth/ack packet this side sent
	PeerInitMsg []byte   // raw ciphertext of the auth/ack packet this side received

	Initiator    bool
	EnableSnappy bool
	Caps         []Cap
}

// NewFrameCodec creates a new RLPx frame codec from handshake secrets.
func NewFrameCodec(conn net.Conn, cfg FrameCodecConfig) (*FrameCodec, error) {
	if len(cfg.AESSecret) != 32 {
		return nil, errors.New("p2p: aes_secret must be 32 bytes")
	}
	if len(cfg.MACSecret) != 32 {
		return nil, errors.New("p2p: mac_secret must be 32 bytes")
	}

	encBlock, err := aes.NewCipher(cfg.AESSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: enc cipher: %w", err)
	}
	decBlock, err := aes.NewCipher(cfg.AESSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: dec cipher: %w", err)
	}
	var zeroIV [aes.BlockSize]byte

	egress, err := newEthereumMAC(cfg.MACSecret, cfg.OwnNonce[:], cfg.OwnInitMsg)
	if err != nil {
		return nil, err
	}
	ingress, err := newEthereumMAC(cfg.MACSecret, cfg.PeerNonce[:], cfg.PeerInitMsg)
	if err != nil {
		return nil, err
	}

	fc := &FrameCodec{
		conn:          conn,
		encStream:     cipher.NewCTR(encBlock, zeroIV[:]),
		decStream:     cipher.NewCTR(decBlock, zeroIV[:]),
		egressMAC:     egress,
		ingrMAC:       ingress,
		snappyEnabled: cfg.EnableSnappy,
		egressQueue:   make(chan Msg, maxEgressQueue),
		lastPong:      time.Now(),
		keepaliveDone: make(chan struct{}),
	}

	fc.capOffsets = computeCapOffsets(cfg.Caps)
	return fc, nil
}

// computeCapOffsets assigns message code offsets after the base protocol (0x00-0x0F).
func computeCapOffsets(caps []Cap) []capOffset {
	offsets := make([]capOffset, 0, len(caps))
	offset := uint64(baseProtocolLength)
	for _, c := range caps {
		length := uint64(17) // default codes per capability
		if c.Name == "eth" {
			length = 21 // eth/68 uses codes 0x00-0x14
		} else if c.Name == "snap" {
			length = 8 // snap protocol uses codes 0x00-0x07
		}
		offsets = append(offsets, capOffset{
			Name:    c.Name,
			Version: c.Version,
			Offset:  offset,
			Length:  length,
		})
		offset += length
	}
	return offsets
}

// CapOffset returns the message code offset for the given capability name.
// Returns 0, false if the capability is not found.
func (fc *FrameCodec) CapOffset(name string) (uint64, bool) {
	for _, co := range fc.capOffsets {
		if co.Name == name {
			return co.Offset, true
		}
	}
	return 0, false
}

// WriteMsg encrypts and writes a framed message. Messages outside the base
// protocol (Hello/Disconnect/Ping/Pong, codes 0-3) have their payload
// snappy-compressed before framing; the message-id byte is never compressed.
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	payload := msg.Payload
	if fc.snappyEnabled && msg.Code > PongMsg {
		payload = snappyEncode(payload)
	}

	body := make([]byte, 1+len(payload))
	body[0] = byte(msg.Code)
	copy(body[1:], payload)

	if len(body) > maxCodecFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}

	var header [codecHeaderSize]byte
	putUint24(header[:3], uint32(len(body)))
	copy(header[3:], headerSuffix[:])

	var encHeader [codecHeaderSize]byte
	fc.encStream.XORKeyStream(encHeader[:], header[:])
	headerMAC := fc.egressMAC.computeHeader(encHeader[:])

	padded := padTo16(body)
	encBody := make([]byte, len(padded))
	fc.encStream.XORKeyStream(encBody, padded)
	bodyMAC := fc.egressMAC.computeBody(encBody)

	buf := make([]byte, 0, len(encHeader)+len(headerMAC)+len(encBody)+len(bodyMAC))
	buf = append(buf, encHeader[:]...)
	buf = append(buf, headerMAC[:codecMACSize]...)
	buf = append(buf, encBody...)
	buf = append(buf, bodyMAC[:codecMACSize]...)

	_, err := fc.conn.Write(buf)
	return err
}

// ReadMsg reads and decrypts a framed message. The frame header carries the
// true, unpadded body length; no trailing-zero heuristics are needed.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return Msg{}, ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var encHeader [codecHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, encHeader[:]); err != nil {
		return Msg{}, err
	}

	var headerMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedHeaderMAC := fc.ingrMAC.computeHeader(encHeader[:])
	if !hmac.Equal(headerMAC[:], expectedHeaderMAC[:codecMACSize]) {
		return Msg{}, ErrBadMAC
	}

	var header [codecHeaderSize]byte
	fc.decStream.XORKeyStream(header[:], encHeader[:])
	bodyLen := getUint24(header[:3])

	if bodyLen > maxCodecFrameSize {
		return Msg{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, bodyLen)
	}

	paddedLen := (bodyLen + 15) / 16 * 16
	encBody := make([]byte, paddedLen)
	if _, err := io.ReadFull(fc.conn, encBody); err != nil {
		return Msg{}, err
	}

	var bodyMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedBodyMAC := fc.ingrMAC.computeBody(encBody)
	if !hmac.Equal(bodyMAC[:], expectedBodyMAC[:codecMACSize]) {
		return Msg{}, ErrBadMAC
	}

	padded := make([]byte, paddedLen)
	fc.decStream.XORKeyStream(padded, encBody)
	body := padded[:bodyLen]

	if len(body) == 0 {
		return Msg{}, errors.New("p2p: empty codec frame")
	}

	code := uint64(body[0])
	payload := body[1:]

	if fc.snappyEnabled && code > PongMsg && len(payload) > 0 {
		var err error
		payload, err = snappyDecode(payload, snappyMaxDecompressed)
		if err != nil {
			return Msg{}, err
		}
	}

	return Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: PingMsg, Size: 0}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: PongMsg, Size: 0}) }

// SendDisconnect sends a disconnect message and closes the codec.
func (fc *FrameCodec) SendDisconnect(reason DisconnectReason) error {
	payload, _ := encodeDisconnect(reason)
	err := fc.WriteMsg(Msg{
		Code:    DisconnectMsg,
		Size:    uint32(len(payload)),
		Payload: payload,
	})
	fc.Close()
	return err
}

// EnqueueMsg submits msg to the bounded egress FIFO instead of writing it
// directly. Ordinary messages append; preempt clears whatever is already
// queued first (a priority frame jumping the line); compression happens
// later, when the drain loop writes the message.
// Returns ErrEgressQueueFull when the queue is at capacity and msg does not
// preempt — the caller is expected to treat this as backpressure, not a
// fatal error.
func (fc *FrameCodec) EnqueueMsg(msg Msg, preempt bool) error {
	if preempt {
		fc.drainQueue()
	}
	select {
	case fc.egressQueue <- msg:
		return nil
	default:
		return ErrEgressQueueFull
	}
}

// drainQueue discards every message currently queued, without writing them.
func (fc *FrameCodec) drainQueue() {
	for {
		select {
		case <-fc.egressQueue:
		default:
			return
		}
	}
}

// QueueEmpty reports whether the egress FIFO currently holds no messages.
func (fc *FrameCodec) QueueEmpty() bool { return len(fc.egressQueue) == 0 }

// HandlePing implements the reply-only-if-queue-empty policy: a Pong is
// sent back only when the egress queue is otherwise empty, since any other
// outgoing frame already keeps the connection alive and the remote judges
// liveness by exchanged bytes rather than protocol-level pongs.
func (fc *FrameCodec) HandlePing() error {
	if fc.QueueEmpty() {
		return fc.SendPong()
	}
	return nil
}

// HandlePong records that a pong was received. Incoming pongs are otherwise
// a no-op: this side never originates its own keepalive ping, so nothing
// here is waited on for liveness.
func (fc *FrameCodec) HandlePong() { fc.mu.Lock(); fc.lastPong = time.Now(); fc.mu.Unlock() }

func (fc *FrameCodec) LastPong() time.Time { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.lastPong }

// StartKeepalive starts the background egress-queue drain loop. Despite the
// name (kept for continuity with the connection's established lifecycle
// call), this side never originates its own Ping.
func (fc *FrameCodec) StartKeepalive() { go fc.egressLoop() }

func (fc *FrameCodec) egressLoop() {
	for {
		select {
		case msg := <-fc.egressQueue:
			if err := fc.WriteMsg(msg); err != nil {
				return
			}
		case <-fc.keepaliveDone:
			return
		}
	}
}

// Close closes the frame codec.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.keepaliveOnce.Do(func() { close(fc.keepaliveDone) })
	return fc.conn.Close()
}

func (fc *FrameCodec) IsClosed() bool { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.closed }

// --- Helper functions ---

func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(data []byte) []byte {
	padLen := (16 - len(data)%16) % 16
	if padLen == 0 {
		return data
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	return padded
}

// --- Snappy compression ---
func snappyEncode(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func snappyDecode(src []byte, maxSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	decodedLen, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid snappy frame: %w", err)
	}
	if decodedLen > maxSize {
		return nil, ErrSnappyDecompressTooLarge
	}
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, fmt.Errorf("p2p: snappy decode: %w", err)
	}
	return out, nil
}
