// p2p_metrics.go registers this package's operational counters and gauges
// in the global metrics registry: peer counts, handshake outcomes, and
// message throughput across the multiplexer.
package p2p

import "github.com/eth2030/eth2030/metrics"

// Pre-registered metrics in the default registry for P2P server operations.
var (
	p2pPeerCount         = metrics.DefaultRegistry.Gauge("p2p.peer_count")
	p2pHandshakesOK      = metrics.DefaultRegistry.Counter("p2p.handshakes_ok")
	p2pHandshakesFailed  = metrics.DefaultRegistry.Counter("p2p.handshakes_failed")
	p2pMessagesIn        = metrics.DefaultRegistry.Counter("p2p.messages_in")
	p2pMessagesOut       = metrics.DefaultRegistry.Counter("p2p.messages_out")
	p2pInvalidMessages   = metrics.DefaultRegistry.Counter("p2p.invalid_messages")
	p2pDials             = metrics.DefaultRegistry.Counter("p2p.dials")
)
