package raft

import (
	"io"
	"time"
)

// NodeConfig configures one replicated record-store node.
type NodeConfig struct {
	NodeID        string        // Unique node identifier
	DataDir       string        // Base directory for raft logs, snapshots and on-disk record stores
	RaftBind      string        // Raft transport bind address (e.g. ":9000")
	RaftAdvertise string        // Advertised Raft address peers should dial (e.g. "127.0.0.1:9000")
	LogStore      string        // Raft log/stable backend: bolt, pebble, badger or inmem
	RecordStore   string        // Applied-record backend: memory, pebble, badger or sqlite
	RaftNoSync    bool          // Disable Raft log fsync (unsafe; benchmark only)
	StoreNoSync   bool          // Disable record store fsync (unsafe; benchmark only)
	Bootstrap     bool          // Bootstrap as single-node cluster
	ApplyTimeout  time.Duration // Timeout for raft.Apply (default 10s)
	ApplyDelay    time.Duration // Extra time a follower spends applying each batch
	RaftLogOutput io.Writer     // Destination for hashicorp/raft's own logging (default stderr)

	SnapshotThreshold uint64
	SnapshotInterval  time.Duration
}

// DefaultNodeConfig returns a NodeConfig with sensible defaults.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		NodeID:            "node-1",
		DataDir:           "data",
		RaftBind:          ":9000",
		LogStore:          "bolt",
		RecordStore:       "pebble",
		Bootstrap:         true,
		ApplyTimeout:      10 * time.Second,
		SnapshotThreshold: 8192,
		SnapshotInterval:  2 * time.Minute,
	}
}

// LocalClusterConfig configures an in-process cluster.
type LocalClusterConfig struct {
	Nodes       int
	DataDir     string // required unless both stores are in memory
	LogStore    string
	RecordStore string
	ApplyDelay  time.Duration
	// RaftLogOutput receives hashicorp/raft logs; nil discards them.
	RaftLogOutput io.Writer
}
