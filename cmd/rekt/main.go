// Command rekt is the entry point for the rekt devp2p/eth gossip client.
//
// Usage:
//
//	rekt [flags]
//
// Flags:
//
//	--port          P2P listening address (default: :30303)
//	--networkid     eth sub-protocol network ID (default: 56, BSC mainnet)
//	--maxpeers      Max P2P peers (default: 50)
//	--verbosity     Log level 0-5 (default: 3)
//	--metrics       Enable the Prometheus exporter (default: false)
//	--metrics.addr  Prometheus exporter listen address (default: :9090)
//	--nodekey       Path to a hex-encoded secp256k1 private key file
//	--static        Comma-separated enode:// URLs to dial unconditionally
//	--bootnode      Comma-separated enode:// URLs seeded into the discovery table
//	--genesis       Hex-encoded genesis hash advertised in Status
//	--head          Hex-encoded head block hash advertised in Status
//	--version       Print version and exit
//
// Unlike the teacher binary this client is built from, rekt has no datadir,
// state database, sync engine, or RPC/Engine API surface: it speaks only the
// devp2p transport and the eth sub-protocol's transaction gossip.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eth2030/eth2030/crypto"
	"github.com/eth2030/eth2030/eth"
	elog "github.com/eth2030/eth2030/log"
	"github.com/eth2030/eth2030/metrics"
	"github.com/eth2030/eth2030/p2p"
	"github.com/eth2030/eth2030/p2p/discover"
	"github.com/eth2030/eth2030/p2p/enode"
	"github.com/eth2030/eth2030/txcache"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	logger := elog.New(verbosityToLevel(cfg.Verbosity))
	elog.SetDefault(logger)
	plog := logger.Module("p2p")

	logger.Info("rekt starting", "version", version, "commit", commit)
	logger.Info("config",
		"listen", cfg.ListenAddr,
		"networkid", cfg.NetworkID,
		"maxpeers", cfg.MaxPeers,
		"verbosity", cfg.Verbosity,
		"metrics", cfg.Metrics,
	)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return 1
	}

	nodeKey, err := loadOrGenerateNodeKey(cfg.NodeKeyFile)
	if err != nil {
		logger.Error("failed to load node key", "err", err)
		return 1
	}

	status := eth.StatusInfo{
		ProtocolVersion: eth.ProtocolVersion,
		NetworkID:       cfg.NetworkID,
		TD:              nil,
		Head:            parseHashOrZero(cfg.Head),
		Genesis:         parseHashOrZero(cfg.Genesis),
		ForkID:          p2p.ForkID{},
	}

	txCache, err := txcache.New(txcache.DefaultCapacity)
	if err != nil {
		logger.Error("failed to create transaction cache", "err", err)
		return 1
	}

	handler := eth.NewHandler(status, cfg.MaxPeers, eth.ProtocolVersion)
	handler.SetTxObserver(func(peerID enode.NodeID, kind eth.TxKind, raw []byte) {
		_, seen, err := txCache.Insert(raw)
		if err != nil {
			logger.Debug("dropped malformed transaction envelope", "peer", peerID, "err", err)
			return
		}
		if seen {
			return
		}
		logger.Debug("observed transaction", "peer", peerID, "kind", kind, "cached", txCache.Len())
	})

	var metricsSrv *http.Server
	if cfg.Metrics {
		exporter := metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: exporter.Handler()}
		go func() {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server exited", "err", err)
			}
		}()
	}

	discoverySvc := discover.NewDiscoveryService(discover.DiscoveryServiceConfig{
		MaxNodes: cfg.MaxPeers * 4,
	})
	seedBootnodes(discoverySvc, cfg.Bootnodes, plog)

	srv := p2p.NewServer(p2p.Config{
		ListenAddr: cfg.ListenAddr,
		MaxPeers:   cfg.MaxPeers,
		Protocols:  []p2p.Protocol{handler.Protocol()},
		PrivateKey: nodeKey,
		Name:       "rekt/" + version,
	})

	if err := srv.Start(); err != nil {
		logger.Error("failed to start p2p server", "err", err)
		return 1
	}
	logger.Info("p2p server listening", "addr", srv.ListenAddr(), "id", srv.LocalID())

	dialStaticNodes(srv, cfg.StaticNodes, plog)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	srv.Stop()
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
	logger.Info("shutdown complete")
	return 0
}

// parseFlags parses CLI arguments into a Config. Returns the config, whether
// the caller should exit immediately, and the exit code.
func parseFlags(args []string) (Config, bool, int) {
	cfg := DefaultConfig()
	var static, bootnodes string

	fs := newCustomFlagSet("rekt")
	fs.StringVar(&cfg.ListenAddr, "port", cfg.ListenAddr, "P2P listening address")
	fs.Uint64Var(&cfg.NetworkID, "networkid", cfg.NetworkID, "eth sub-protocol network ID")
	fs.IntVar(&cfg.MaxPeers, "maxpeers", cfg.MaxPeers, "maximum number of P2P peers")
	fs.IntVar(&cfg.Verbosity, "verbosity", cfg.Verbosity, "log level 0-5 (0=silent, 5=trace)")
	fs.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "enable the Prometheus exporter")
	fs.StringVar(&cfg.MetricsAddr, "metrics.addr", cfg.MetricsAddr, "Prometheus exporter listen address")
	fs.StringVar(&cfg.NodeKeyFile, "nodekey", cfg.NodeKeyFile, "path to a hex-encoded node private key")
	fs.StringVar(&static, "static", "", "comma-separated enode:// URLs to dial unconditionally")
	fs.StringVar(&bootnodes, "bootnode", "", "comma-separated enode:// URLs seeded into the discovery table")
	fs.StringVar(&cfg.Genesis, "genesis", "", "hex-encoded genesis hash")
	fs.StringVar(&cfg.Head, "head", "", "hex-encoded head block hash")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 2
	}

	if *showVersion {
		fmt.Printf("rekt %s (commit %s)\n", version, commit)
		return cfg, true, 0
	}

	cfg.StaticNodes = splitNonEmpty(static)
	cfg.Bootnodes = splitNonEmpty(bootnodes)

	return cfg, false, 0
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// verbosityToLevel maps the 0-5 verbosity scale (0=silent, 5=trace) onto
// slog's level space. There is no distinct trace level in slog, so 4 and 5
// both map to LevelDebug.
func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError + 4 // effectively silences Info/Warn/Error too
	case v == 1:
		return slog.LevelError
	case v == 2:
		return slog.LevelWarn
	case v == 3:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

func parseHashOrZero(s string) eth.Hash {
	var h eth.Hash
	if s == "" {
		return h
	}
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(h) {
		return h
	}
	copy(h[:], b)
	return h
}

// seedBootnodes parses each enode:// URL and registers it with the
// discovery service's bootnode set. Malformed URLs are logged and skipped
// rather than aborting startup.
func seedBootnodes(ds *discover.DiscoveryService, urls []string, logger *elog.Logger) {
	for _, raw := range urls {
		n, err := enode.ParseNode(raw)
		if err != nil {
			logger.Warn("skipping malformed bootnode", "url", raw, "err", err)
			continue
		}
		if err := ds.AddBootnode(n.ID.String(), n.IP.String(), n.UDP); err != nil {
			logger.Warn("failed to register bootnode", "url", raw, "err", err)
		}
	}
}

// dialStaticNodes dials each configured static enode:// URL. A node
// presenting a 33-byte compressed pubkey is dialed as a trusted peer pinned
// to that key; otherwise it is dialed as an ordinary peer.
func dialStaticNodes(srv *p2p.Server, urls []string, logger *elog.Logger) {
	for _, raw := range urls {
		n, err := enode.ParseNode(raw)
		if err != nil {
			logger.Warn("skipping malformed static node", "url", raw, "err", err)
			continue
		}
		addr := n.TCPAddr().String()

		if len(n.Pubkey) == 33 {
			pub, err := crypto.DecompressPubkey(n.Pubkey)
			if err == nil {
				if err := srv.AddTrustedPeer(addr, pub); err != nil {
					logger.Warn("failed to dial trusted static node", "addr", addr, "err", err)
				}
				continue
			}
		}
		if err := srv.AddPeer(addr); err != nil {
			logger.Warn("failed to dial static node", "addr", addr, "err", err)
		}
	}
}
