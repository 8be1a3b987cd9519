package main

import (
	"errors"
	"fmt"
)

// Config holds the resolved CLI configuration for the rekt P2P client. Unlike
// the teacher's node.Config, there is no datadir, sync mode, or RPC/Engine
// API surface here: this binary only runs the devp2p transport, the eth
// sub-protocol gossip handler, and the discovery/metrics subsystems around
// them.
type Config struct {
	ListenAddr  string   // TCP listen address, e.g. ":30303"
	NetworkID   uint64   // eth sub-protocol network identifier
	MaxPeers    int      // maximum connected peers
	Verbosity   int      // log level 0-5 (0=silent, 5=trace)
	Metrics     bool     // enable the Prometheus exporter
	MetricsAddr string   // HTTP address the exporter listens on
	NodeKeyFile string   // path to a hex-encoded secp256k1 private key; empty generates one
	StaticNodes []string // enode:// URLs dialed unconditionally at startup
	Bootnodes   []string // enode:// URLs seeded into the discovery table
	Genesis     string   // hex-encoded genesis hash advertised in Status
	Head        string   // hex-encoded head block hash advertised in Status
}

// DefaultConfig returns a Config with the client's default settings.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":30303",
		NetworkID:   56, // BSC mainnet
		MaxPeers:    50,
		Verbosity:   3,
		Metrics:     false,
		MetricsAddr: ":9090",
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.MaxPeers <= 0 {
		return errors.New("maxpeers must be positive")
	}
	if c.NetworkID == 0 {
		return errors.New("networkid must be nonzero")
	}
	if c.Verbosity < 0 || c.Verbosity > 5 {
		return fmt.Errorf("verbosity must be 0-5, got %d", c.Verbosity)
	}
	return nil
}
