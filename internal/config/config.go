// Package config loads the YAML cluster config (gopkg.in/yaml.v3)
// described in SPEC_FULL.md §2: node id, peer addresses, data directory,
// timeouts, and fsync policy. cmd/quarkraftd layers cobra flag overrides
// on top of whatever this file supplies, following the cobra+yaml
// pairing the pack's ChuLiYu-raft-recovery and cuemby-warren manifests
// both reach for. Mirrors the teacher's bare cmd/server/main.go flags
// (node id, addr, peers, wal dir) one-for-one, just sourced from a file
// instead of only the command line.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Peer is one other member of the cluster as seen from this node's
// config file: its address and whether it starts out as a voter or an
// observer. The founding membership bootstrap (spec.md §6) uses the set
// of peers marked Voter=true, plus this node itself.
type Peer struct {
	Address string `yaml:"address"`
	Voter   bool   `yaml:"voter"`
}

// Config is the full on-disk shape of a node's YAML config file.
type Config struct {
	NodeID    string `yaml:"node_id"`
	Address   string `yaml:"address"`    // raft/client RESP listen address.
	AdminAddr string `yaml:"admin_addr"` // internal/adminhttp listen address, empty disables it.
	DataDir   string `yaml:"data_dir"`
	ClusterID string `yaml:"cluster_id"` // empty on first boot of a fresh cluster; internal/clusterid.New() fills it in.

	Peers []Peer `yaml:"peers"`

	Timeouts  Timeouts  `yaml:"timeouts"`
	Fsync     string    `yaml:"fsync"`      // "always" | "async" | "sync-important-updates"
	StaleReads bool     `yaml:"stale_reads"`
}

// Timeouts holds every duration the director/heartbeat/replication/lease
// components need, expressed in milliseconds in the YAML file (matching
// the canonical handshake timeout string internal/wire builds from
// these same three numbers) and converted to time.Duration on load.
type Timeouts struct {
	HeartbeatMs   int64 `yaml:"heartbeat_ms"`
	ElectionLowMs int64 `yaml:"election_low_ms"`
	ElectionHighMs int64 `yaml:"election_high_ms"`
	LeaseMs       int64 `yaml:"lease_ms"`
	DialMs        int64 `yaml:"dial_ms"`
}

func (t Timeouts) Heartbeat() time.Duration   { return time.Duration(t.HeartbeatMs) * time.Millisecond }
func (t Timeouts) ElectionLow() time.Duration { return time.Duration(t.ElectionLowMs) * time.Millisecond }
func (t Timeouts) ElectionHigh() time.Duration {
	return time.Duration(t.ElectionHighMs) * time.Millisecond
}
func (t Timeouts) Lease() time.Duration { return time.Duration(t.LeaseMs) * time.Millisecond }
func (t Timeouts) Dial() time.Duration  { return time.Duration(t.DialMs) * time.Millisecond }

// Default returns the conservative default timeouts the teacher's
// cmd/server/main.go hardcodes (500ms/1000ms election window, 50ms
// heartbeat), widened slightly for a lease window that comfortably
// exceeds a handful of heartbeat rounds.
func Default() Config {
	return Config{
		DataDir: "/tmp/quarkraft",
		Fsync:   "sync-important-updates",
		Timeouts: Timeouts{
			HeartbeatMs:    50,
			ElectionLowMs:  500,
			ElectionHighMs: 1000,
			LeaseMs:        400,
			DialMs:         200,
		},
	}
}

// Load reads and parses a YAML config file, starting from Default() so
// a file only needs to override what it cares about.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields every node needs set before it can start.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("config: node_id is required")
	}
	if c.Address == "" {
		return fmt.Errorf("config: address is required")
	}
	if c.Timeouts.HeartbeatMs <= 0 {
		return fmt.Errorf("config: timeouts.heartbeat_ms must be positive")
	}
	if c.Timeouts.ElectionLowMs <= 0 || c.Timeouts.ElectionHighMs < c.Timeouts.ElectionLowMs {
		return fmt.Errorf("config: timeouts.election_low_ms/election_high_ms must form a valid window")
	}
	return nil
}

// VotingPeers returns the addresses of every peer marked as a voter,
// excluding this node itself (this node is always implicitly a voter of
// its own founding membership).
func (c Config) VotingPeers() []string {
	out := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		if p.Voter {
			out = append(out, p.Address)
		}
	}
	return out
}

// ObserverPeers returns the addresses of every peer marked as an
// observer.
func (c Config) ObserverPeers() []string {
	out := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		if !p.Voter {
			out = append(out, p.Address)
		}
	}
	return out
}

// AllPeerAddresses returns every peer address regardless of role.
func (c Config) AllPeerAddresses() []string {
	out := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		out = append(out, p.Address)
	}
	return out
}
