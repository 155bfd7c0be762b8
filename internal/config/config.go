// Package config loads a node's cluster configuration from a YAML
// file: its own identity and data directory, every peer it should
// know about at startup, and the timeouts that drive Election and
// Replication.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PeerConfig names one other node in the cluster at startup. Nodes
// discovered later via Serf gossip don't need an entry here.
type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// ClusterConfig is a node's full static configuration (spec §6).
type ClusterConfig struct {
	NodeID   string       `yaml:"node_id"`
	BindAddr string       `yaml:"bind_addr"`
	HTTPAddr string       `yaml:"http_addr"`
	DataDir  string       `yaml:"data_dir"`
	Peers    []PeerConfig `yaml:"peers"`

	StartJoinAddrs []string `yaml:"start_join_addrs"`

	MaxStoreBytes uint64 `yaml:"max_store_bytes"`
	MaxIndexBytes uint64 `yaml:"max_index_bytes"`

	SyncEveryWrites uint64        `yaml:"sync_every_writes"`
	SyncInterval    time.Duration `yaml:"sync_interval"`

	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	ReplicateInterval  time.Duration `yaml:"replicate_interval"`
	RPCTimeout         time.Duration `yaml:"rpc_timeout"`
}

// Load reads and validates a ClusterConfig from a YAML file at path,
// filling in defaults when a field is left zero. The timeout defaults
// match DefaultElectionConfig and DefaultReplicationConfig; the
// segment limits default to 1 MiB, not the 1024 bytes wal.NewLog
// falls back to.
func Load(path string) (ClusterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c ClusterConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return ClusterConfig{}, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if c.NodeID == "" {
		return ClusterConfig{}, fmt.Errorf("config: node_id is required")
	}
	if c.BindAddr == "" {
		return ClusterConfig{}, fmt.Errorf("config: bind_addr is required")
	}
	if c.DataDir == "" {
		return ClusterConfig{}, fmt.Errorf("config: data_dir is required")
	}

	c.applyDefaults()
	return c, nil
}

func (c *ClusterConfig) applyDefaults() {
	if c.MaxStoreBytes == 0 {
		c.MaxStoreBytes = 1024 * 1024
	}
	if c.MaxIndexBytes == 0 {
		c.MaxIndexBytes = 1024 * 1024
	}
	if c.SyncEveryWrites == 0 {
		c.SyncEveryWrites = 1
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = 10 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 50 * time.Millisecond
	}
	if c.ElectionTimeoutMin == 0 {
		c.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if c.ElectionTimeoutMax == 0 {
		c.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if c.ReplicateInterval == 0 {
		c.ReplicateInterval = 20 * time.Millisecond
	}
	if c.RPCTimeout == 0 {
		c.RPCTimeout = 100 * time.Millisecond
	}
}
