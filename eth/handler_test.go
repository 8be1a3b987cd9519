package eth

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/p2p/enode"
	"github.com/eth2030/eth2030/rlp"
)

func testStatus(networkID uint64) StatusInfo {
	return StatusInfo{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       networkID,
		TD:              big.NewInt(1),
		Head:            Hash{0x01},
		Genesis:         Hash{0x02},
	}
}

// runHandshakingPeers wires two Handlers together over an in-process pipe
// and runs their protocol handlers concurrently, returning once both sides
// have completed the handshake and registered the peer.
func runHandshakingPeers(t *testing.T, h1, h2 *Handler) (done chan error) {
	t.Helper()
	a, b := p2p.MsgPipe()

	done = make(chan error, 2)
	go func() { done <- h1.Protocol().Run(p2p.NewPeer("peer-b", "b:1", nil), a) }()
	go func() { done <- h2.Protocol().Run(p2p.NewPeer("peer-a", "a:1", nil), b) }()
	return done
}

func TestHandler_StatusExchange(t *testing.T) {
	h1 := NewHandler(testStatus(56), 10, 0)
	h2 := NewHandler(testStatus(56), 10, 0)

	a, b := p2p.MsgPipe()
	errc := make(chan error, 2)
	go func() { errc <- h1.Protocol().Run(p2p.NewPeer("peer-b", "b:1", nil), a) }()
	go func() { errc <- h2.Protocol().Run(p2p.NewPeer("peer-a", "a:1", nil), b) }()

	time.Sleep(20 * time.Millisecond)
	if h1.Peers().Len() != 1 {
		t.Errorf("h1 peers: got %d, want 1", h1.Peers().Len())
	}
	if h2.Peers().Len() != 1 {
		t.Errorf("h2 peers: got %d, want 1", h2.Peers().Len())
	}

	a.Close()
	b.Close()
	<-errc
	<-errc
}

func TestHandler_NetworkMismatch(t *testing.T) {
	h1 := NewHandler(testStatus(56), 10, 0)
	h2 := NewHandler(testStatus(97), 10, 0)

	a, b := p2p.MsgPipe()
	errc := make(chan error, 2)
	go func() { errc <- h1.Protocol().Run(p2p.NewPeer("peer-b", "b:1", nil), a) }()
	go func() { errc <- h2.Protocol().Run(p2p.NewPeer("peer-a", "a:1", nil), b) }()

	err1 := <-errc
	err2 := <-errc
	if err1 == nil && err2 == nil {
		t.Fatal("expected at least one handshake to fail on network ID mismatch")
	}
}

func TestHandler_Transactions(t *testing.T) {
	h1 := NewHandler(testStatus(56), 10, 0)
	h2 := NewHandler(testStatus(56), 10, 0)

	var mu sync.Mutex
	var seen []struct {
		kind TxKind
		raw  []byte
	}
	h2.SetTxObserver(func(peerID enode.NodeID, kind TxKind, raw []byte) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, struct {
			kind TxKind
			raw  []byte
		}{kind, append([]byte(nil), raw...)})
	})

	done := runHandshakingPeers(t, h1, h2)
	time.Sleep(20 * time.Millisecond)

	ep1 := h1.Peers().Get("peer-b")
	if ep1 == nil {
		t.Fatal("h1 did not register its peer")
	}

	legacyTx := rlp.Raw{0xc2, 0x01, 0x02}
	if err := ep1.SendTransactions([]rlp.Raw{legacyTx}); err != nil {
		t.Fatalf("SendTransactions: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("observer saw %d transactions, want 1", len(seen))
	}
	if seen[0].kind != TxLegacy {
		t.Errorf("kind = %v, want TxLegacy", seen[0].kind)
	}
	if string(seen[0].raw) != string(legacyTx) {
		t.Error("observed envelope bytes changed in transit")
	}

	_ = done
}

func TestHandler_PooledTransactionsRoundTrip(t *testing.T) {
	h1 := NewHandler(testStatus(56), 10, 0)
	h2 := NewHandler(testStatus(56), 10, 0)

	var mu sync.Mutex
	var gotCount int
	h2.SetTxObserver(func(peerID enode.NodeID, kind TxKind, raw []byte) {
		mu.Lock()
		gotCount++
		mu.Unlock()
	})

	runHandshakingPeers(t, h1, h2)
	time.Sleep(20 * time.Millisecond)

	ep2 := h2.Peers().Get("peer-a")
	if ep2 == nil {
		t.Fatal("h2 did not register its peer")
	}

	if _, err := ep2.RequestPooledTransactions([]Hash{{0xaa}}); err != nil {
		t.Fatalf("RequestPooledTransactions: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if gotCount != 0 {
		t.Errorf("expected no transactions observed (h1 holds no pool), got %d", gotCount)
	}
}

func TestHandler_MalformedPooledHashesAnnouncement(t *testing.T) {
	h1 := NewHandler(testStatus(56), 10, 0)
	h2 := NewHandler(testStatus(56), 10, 0)

	runHandshakingPeers(t, h1, h2)
	time.Sleep(20 * time.Millisecond)

	ep2 := h2.Peers().Get("peer-a")
	if ep2 == nil {
		t.Fatal("h2 did not register its peer")
	}

	// Mismatched array lengths: 1 hash, 2 types.
	bad := &NewPooledTxHashesMsg68{
		Types:  []byte{0x00, 0x01},
		Sizes:  []uint32{10},
		Hashes: []Hash{{0xaa}},
	}
	if err := WriteMessage(ep2.transport, MsgNewPooledTransactionHashes, bad); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
}

func TestHandler_UnknownMessage(t *testing.T) {
	h := NewHandler(testStatus(56), 10, 0)
	ep := NewEthPeer(p2p.NewPeer("x", "x:1", nil), nil)
	if err := h.HandleMsg(ep, 0x7f, nil); err != nil {
		t.Errorf("unknown message should be ignored, got error: %v", err)
	}
}
