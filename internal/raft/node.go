package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
)

var (
	// ErrNotLeader is returned for writes sent to a node that is not leader.
	ErrNotLeader = errors.New("raft: node is not the leader")
	// ErrNodeStopped is returned once Shutdown has been called.
	ErrNodeStopped = errors.New("raft: node is stopped")
)

// Node is one member of a replicated record store.
type Node struct {
	raft      *raft.Raft
	fsm       *FSM
	transport raft.Transport
	closeT    func() error
	logStore  raftStore
	config    NodeConfig
	stopped   atomic.Bool
	delay     atomic.Int64
	// ready is raft once NewRaft returned; the FSM goroutine may run earlier.
	ready atomic.Pointer[raft.Raft]
}

// NewNode creates and starts a node using a TCP raft transport.
func NewNode(cfg NodeConfig) (*Node, error) {
	applyNodeDefaults(&cfg)
	if err := os.MkdirAll(filepath.Join(cfg.DataDir, "raft"), 0o755); err != nil {
		return nil, fmt.Errorf("create raft dir: %w", err)
	}
	transport, err := newTCPTransport(cfg.RaftBind, cfg.RaftAdvertise, cfg.RaftLogOutput)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	snapshots, err := raft.NewFileSnapshotStore(filepath.Join(cfg.DataDir, "raft"), 2, os.Stderr)
	if err != nil {
		transport.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	n, err := newNode(cfg, transport, transport.Close, snapshots, nil)
	if err != nil {
		transport.Close()
		return nil, err
	}
	if cfg.Bootstrap {
		n.bootstrap([]raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}})
	}
	return n, nil
}

func applyNodeDefaults(cfg *NodeConfig) {
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = 10 * time.Second
	}
	if cfg.LogStore == "" {
		cfg.LogStore = "bolt"
	}
	if cfg.RecordStore == "" {
		cfg.RecordStore = "memory"
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = 2 * time.Minute
	}
	cfg.LogStore = strings.ToLower(cfg.LogStore)
	cfg.RecordStore = strings.ToLower(cfg.RecordStore)
}

// newNode wires stores, FSM and raft over an existing transport. tune may
// adjust the raft configuration before the node starts.
func newNode(cfg NodeConfig, transport raft.Transport, closeTransport func() error, snapshots raft.SnapshotStore, tune func(*raft.Config)) (*Node, error) {
	applyNodeDefaults(&cfg)
	raftDir := filepath.Join(cfg.DataDir, "raft")
	if cfg.DataDir != "" {
		if err := os.MkdirAll(raftDir, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", raftDir, err)
		}
	}

	records, err := openRecordStore(cfg.DataDir, cfg.RecordStore, cfg.StoreNoSync)
	if err != nil {
		return nil, err
	}
	logStore, err := openRaftStore(raftDir, cfg.LogStore, cfg.RaftNoSync)
	if err != nil {
		records.Close()
		return nil, err
	}

	n := &Node{
		fsm:       NewFSM(records),
		transport: transport,
		closeT:    closeTransport,
		logStore:  logStore,
		config:    cfg,
	}
	n.delay.Store(int64(cfg.ApplyDelay))
	n.fsm.SetDelay(n.followerDelay)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	raftConfig.SnapshotInterval = cfg.SnapshotInterval
	if cfg.RaftLogOutput != nil {
		raftConfig.LogOutput = cfg.RaftLogOutput
	}
	if tune != nil {
		tune(raftConfig)
	}

	r, err := raft.NewRaft(raftConfig, n.fsm, logStore, logStore, snapshots, transport)
	if err != nil {
		records.Close()
		logStore.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}
	n.raft = r
	n.ready.Store(r)

	slog.Info("raft node started",
		"node_id", cfg.NodeID,
		"raft_addr", transport.LocalAddr(),
		"log_store", cfg.LogStore,
		"record_store", cfg.RecordStore,
		"apply_delay", cfg.ApplyDelay,
		"bootstrap", cfg.Bootstrap,
	)
	return n, nil
}

func (n *Node) bootstrap(servers []raft.Server) {
	f := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := f.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		slog.Warn("bootstrap cluster", "node_id", n.config.NodeID, "error", err)
	}
}

func (n *Node) followerDelay() time.Duration {
	r := n.ready.Load()
	if r == nil || r.State() == raft.Leader {
		return 0
	}
	return time.Duration(n.delay.Load())
}

// SetApplyDelay changes how long this node stalls per batch while it is a
// follower.
func (n *Node) SetApplyDelay(d time.Duration) {
	n.delay.Store(int64(d))
}

// ID returns the node's raft server ID.
func (n *Node) ID() string {
	return n.config.NodeID
}

// RaftAddr returns the node's raft transport address.
func (n *Node) RaftAddr() string {
	return string(n.transport.LocalAddr())
}

// ApplyBatch replicates one batch of documents and returns once the leader
// has applied it.
func (n *Node) ApplyBatch(ctx context.Context, docs [][]byte) (int, error) {
	if n.stopped.Load() {
		return 0, ErrNodeStopped
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !n.IsLeader() {
		return 0, ErrNotLeader
	}
	timeout := n.config.ApplyTimeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	future := n.raft.Apply(encodeBatch(docs), timeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrLeadershipTransferInProgress) {
			return 0, fmt.Errorf("raft apply: %w", ErrNotLeader)
		}
		if errors.Is(err, raft.ErrRaftShutdown) {
			return 0, ErrNodeStopped
		}
		return 0, fmt.Errorf("raft apply: %w", err)
	}
	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return 0, fmt.Errorf("unexpected response type: %T", future.Response())
	}
	if res.Err != nil {
		return 0, res.Err
	}
	return res.Records, nil
}

// RecordCount returns the records applied on this node.
func (n *Node) RecordCount() int64 {
	return n.fsm.RecordCount()
}

// IsLeader returns true if this node is the Raft leader.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader.
func (n *Node) LeaderAddr() string {
	addr, _ := n.raft.LeaderWithID()
	return string(addr)
}

// LeaderID returns the ID of the current leader.
func (n *Node) LeaderID() string {
	_, id := n.raft.LeaderWithID()
	return string(id)
}

// State returns the Raft state (Leader, Follower, Candidate, Shutdown).
func (n *Node) State() string {
	return n.raft.State().String()
}

// AddVoter adds a new voting member to the cluster.
func (n *Node) AddVoter(nodeID, addr string) error {
	err := n.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, n.config.ApplyTimeout).Error()
	if errors.Is(err, raft.ErrNotLeader) {
		return fmt.Errorf("add voter %s: %w", nodeID, ErrNotLeader)
	}
	return err
}

// Barrier blocks until every preceding log entry is applied on the leader.
func (n *Node) Barrier(timeout time.Duration) error {
	return n.raft.Barrier(timeout).Error()
}

// WaitForLeader blocks until the cluster has a leader or timeout.
func (n *Node) WaitForLeader(timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if addr, _ := n.raft.LeaderWithID(); addr != "" {
			return nil
		}
		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for leader")
		case <-ticker.C:
		}
	}
}

// JoinRequest is the body of a cluster join call.
type JoinRequest struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// Status is a point-in-time view of one node.
type Status struct {
	NodeID       string `json:"node_id"`
	RaftAddr     string `json:"raft_addr"`
	State        string `json:"state"`
	Leader       bool   `json:"leader"`
	LeaderID     string `json:"leader_id"`
	LeaderAddr   string `json:"leader_addr"`
	RecordCount  int64  `json:"record_count"`
	StoredCount  int64  `json:"stored_count"`
	BytesApplied int64  `json:"bytes_applied"`
	AppliedIndex uint64 `json:"applied_index"`
	CommitIndex  string `json:"commit_index"`
	LastContact  string `json:"last_contact"`
	RecordStore  string `json:"record_store"`
	LogStore     string `json:"log_store"`
}

// Status reports this node's role and progress.
func (n *Node) Status() Status {
	stats := n.raft.Stats()
	stored, err := n.fsm.store.Stored()
	if err != nil {
		stored = -1
	}
	return Status{
		NodeID:       n.config.NodeID,
		RaftAddr:     n.RaftAddr(),
		State:        n.State(),
		Leader:       n.IsLeader(),
		LeaderID:     n.LeaderID(),
		LeaderAddr:   n.LeaderAddr(),
		RecordCount:  n.fsm.RecordCount(),
		StoredCount:  stored,
		BytesApplied: n.fsm.BytesApplied(),
		AppliedIndex: n.fsm.AppliedIndex(),
		CommitIndex:  stats["commit_index"],
		LastContact:  stats["last_contact"],
		RecordStore:  n.config.RecordStore,
		LogStore:     n.config.LogStore,
	}
}

// Shutdown stops raft and closes every store.
func (n *Node) Shutdown() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("shutting down raft node", "node_id", n.config.NodeID)
	var errs []error
	if err := n.raft.Shutdown().Error(); err != nil {
		errs = append(errs, fmt.Errorf("raft shutdown: %w", err))
	}
	if n.closeT != nil {
		if err := n.closeT(); err != nil {
			errs = append(errs, fmt.Errorf("transport close: %w", err))
		}
	}
	if err := n.logStore.Close(); err != nil {
		errs = append(errs, fmt.Errorf("log store close: %w", err))
	}
	if err := n.fsm.Close(); err != nil {
		errs = append(errs, fmt.Errorf("record store close: %w", err))
	}
	return errors.Join(errs...)
}
