package p2p

import (
	"errors"
	"fmt"

	"github.com/eth2030/eth2030/rlp"
)

// devp2p base protocol message codes. These are exchanged before any
// sub-protocol messages and occupy the reserved 0x00-0x0F range; sub-protocol
// codes (e.g. eth) are offset by baseProtocolLength on top of these.
const (
	HelloMsg      = 0x00 // Capability handshake.
	DisconnectMsg = 0x01 // Graceful disconnect with reason.
	PingMsg       = 0x02
	PongMsg       = 0x03
)

// baseProtocolLength is the size of the reserved devp2p base-protocol code
// range (0x00-0x0F); sub-protocol message codes start at this offset.
const baseProtocolLength = 16

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
)

// devp2p base protocol version. We implement v5 which is used by all modern
// Ethereum clients since the Constantinople fork.
const baseProtocolVersion = 5

// HelloPacket is the devp2p hello message exchanged during the capability
// handshake. Each side advertises its client identity and supported
// sub-protocol capabilities. The format mirrors go-ethereum's p2p.protoHandshake.
type HelloPacket struct {
	Version    uint64 // devp2p base protocol version (5).
	Name       string // Client identity string (e.g. "eth2028/v0.1.0").
	Caps       []Cap  // Supported sub-protocol capabilities.
	ListenPort uint64 // TCP listening port (0 if not listening).
	ID         string // Node ID (hex-encoded public key or random).
}

// helloRLP is the wire shape of HelloPacket: Cap is a struct, so it encodes
// as a nested RLP list per capability, and ID travels as raw bytes.
type helloRLP struct {
	Version    uint64
	Name       string
	Caps       []capRLP
	ListenPort uint64
	ID         []byte
}

type capRLP struct {
	Name    string
	Version uint64
}

// EncodeHello serializes a HelloPacket to its RLP wire form.
func EncodeHello(h *HelloPacket) []byte {
	wire := helloRLP{
		Version:    h.Version,
		Name:       h.Name,
		ListenPort: h.ListenPort,
		ID:         []byte(h.ID),
	}
	for _, c := range h.Caps {
		wire.Caps = append(wire.Caps, capRLP{Name: c.Name, Version: uint64(c.Version)})
	}
	enc, err := rlp.EncodeToBytes(wire)
	if err != nil {
		// HelloPacket fields are all RLP-representable; encoding cannot fail.
		panic(fmt.Sprintf("p2p: encode hello: %v", err))
	}
	return enc
}

// DecodeHello deserializes a HelloPacket from its RLP wire form.
func DecodeHello(data []byte) (*HelloPacket, error) {
	var wire helloRLP
	if err := rlp.DecodeBytes(data, &wire); err != nil {
		return nil, fmt.Errorf("p2p: decode hello: %w", err)
	}
	h := &HelloPacket{
		Version:    wire.Version,
		Name:       wire.Name,
		ListenPort: wire.ListenPort,
		ID:         string(wire.ID),
	}
	for _, c := range wire.Caps {
		h.Caps = append(h.Caps, Cap{Name: c.Name, Version: uint(c.Version)})
	}
	return h, nil
}

// DisconnectReason is a devp2p disconnect reason code.
type DisconnectReason uint8

const (
	DiscRequested        DisconnectReason = 0x00 // Peer requested disconnect.
	DiscNetworkError     DisconnectReason = 0x01 // Network error.
	DiscProtocolError    DisconnectReason = 0x02 // Protocol breach.
	DiscUselessPeer      DisconnectReason = 0x03 // No matching capabilities.
	DiscTooManyPeers     DisconnectReason = 0x04 // Too many peers.
	DiscAlreadyConnected DisconnectReason = 0x05 // Already connected.
	DiscSubprotocolError DisconnectReason = 0x10 // Sub-protocol error.
)

// String returns a human-readable disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscNetworkError:
		return "network error"
	case DiscProtocolError:
		return "protocol error"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscSubprotocolError:
		return "sub-protocol error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// encodeDisconnect serializes a disconnect reason as a single-byte RLP
// string: the rlp package encodes a [1]uint8 as a byte string, not a list.
func encodeDisconnect(reason DisconnectReason) ([]byte, error) {
	return rlp.EncodeToBytes([1]uint8{uint8(reason)})
}

// decodeDisconnect accepts the forms seen on the wire: a single-byte RLP
// string, a one-element list holding the reason and, idiosyncratically, a
// bare RLP empty string (0x80), which some peers send to mean "requested".
func decodeDisconnect(data []byte) (DisconnectReason, error) {
	if len(data) == 1 && data[0] == 0x80 {
		return DiscRequested, nil
	}
	if len(data) > 0 && data[0] >= 0xc0 {
		var list []uint64
		if err := rlp.DecodeBytes(data, &list); err != nil {
			return 0, fmt.Errorf("p2p: decode disconnect: %w", err)
		}
		if len(list) != 1 {
			return 0, fmt.Errorf("p2p: decode disconnect: want one reason, got %d", len(list))
		}
		return DisconnectReason(list[0]), nil
	}
	var reasons [1]uint8
	if err := rlp.DecodeBytes(data, &reasons); err != nil {
		return 0, fmt.Errorf("p2p: decode disconnect: %w", err)
	}
	return DisconnectReason(reasons[0]), nil
}

// PerformHandshake exchanges hello messages with the remote peer over the
// given transport. It sends our hello and reads the remote hello concurrently.
// On success, it returns the remote HelloPacket. If the remote version is
// too old or no capability matches, it also sends a disconnect message with
// the matching reason; read, write and decode failures only return an error.
func PerformHandshake(tr Transport, local *HelloPacket) (*HelloPacket, error) {
	// Send and receive concurrently to avoid deadlock on synchronous transports.
	type result struct {
		hello *HelloPacket
		err   error
	}
	recvCh := make(chan result, 1)
	sendCh := make(chan error, 1)

	go func() {
		payload := EncodeHello(local)
		err := tr.WriteMsg(Msg{
			Code:    HelloMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
		sendCh <- err
	}()

	go func() {
		msg, err := tr.ReadMsg()
		if err != nil {
			recvCh <- result{nil, fmt.Errorf("p2p: handshake read: %w", err)}
			return
		}
		if msg.Code == DisconnectMsg {
			reason, derr := decodeDisconnect(msg.Payload)
			if derr != nil {
				reason = DisconnectReason(0xFF)
			}
			recvCh <- result{nil, fmt.Errorf("p2p: remote disconnected during handshake: %s", reason)}
			return
		}
		if msg.Code != HelloMsg {
			recvCh <- result{nil, fmt.Errorf("p2p: expected hello (0x%02x), got 0x%02x", HelloMsg, msg.Code)}
			return
		}
		remote, err := DecodeHello(msg.Payload)
		if err != nil {
			recvCh <- result{nil, err}
			return
		}
		recvCh <- result{remote, nil}
	}()

	// Wait for send to complete.
	if err := <-sendCh; err != nil {
		return nil, fmt.Errorf("p2p: handshake write: %w", err)
	}

	// Wait for receive.
	res := <-recvCh
	if res.err != nil {
		return nil, res.err
	}

	// Validate version compatibility.
	if res.hello.Version < baseProtocolVersion {
		sendDisconnect(tr, DiscProtocolError)
		return nil, fmt.Errorf("%w: remote=%d, local=%d", ErrIncompatibleVersion, res.hello.Version, baseProtocolVersion)
	}

	// Check for at least one matching capability.
	if !hasMatchingCap(local.Caps, res.hello.Caps) {
		sendDisconnect(tr, DiscUselessPeer)
		return nil, ErrNoMatchingCaps
	}

	return res.hello, nil
}

// sendDisconnect sends a disconnect message with the given reason.
// The write is performed in a goroutine to avoid blocking on synchronous
// transports (e.g., net.Pipe) when the remote side is no longer reading.
func sendDisconnect(tr Transport, reason DisconnectReason) {
	go func() {
		payload, err := encodeDisconnect(reason)
		if err != nil {
			return
		}
		_ = tr.WriteMsg(Msg{
			Code:    DisconnectMsg,
			Size:    uint32(len(payload)),
			Payload: payload,
		})
	}()
}

// hasMatchingCap returns true if local and remote share at least one capability
// with the same name and version.
func hasMatchingCap(local, remote []Cap) bool {
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				return true
			}
		}
	}
	return false
}

// MatchingCaps returns the list of capabilities shared between local and remote.
func MatchingCaps(local, remote []Cap) []Cap {
	var matched []Cap
	for _, lc := range local {
		for _, rc := range remote {
			if lc.Name == rc.Name && lc.Version == rc.Version {
				matched = append(matched, lc)
			}
		}
	}
	return matched
}
