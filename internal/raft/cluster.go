package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/corvohq/replbench/internal/harness"
	"github.com/corvohq/replbench/internal/workload"
	"github.com/hashicorp/raft"
)

const (
	localLeaderTimeout  = 10 * time.Second
	localBarrierTimeout = time.Minute
	localSettlePoll     = 10 * time.Millisecond
)

// LocalCluster runs every node of a replicated record store in this process
// over in-memory raft transports. It implements the cluster status, progress
// and write capabilities the harness needs, addressed by node ID.
type LocalCluster struct {
	nodes      []*Node
	transports []*raft.InmemTransport
	index      map[string]int

	mu      sync.RWMutex
	offline map[string]bool
}

// NewLocalCluster starts cfg.Nodes nodes and waits for a leader.
func NewLocalCluster(cfg LocalClusterConfig) (*LocalCluster, error) {
	if cfg.Nodes < 2 {
		return nil, fmt.Errorf("local cluster needs at least 2 nodes, got %d", cfg.Nodes)
	}
	if cfg.LogStore == "" {
		cfg.LogStore = "inmem"
	}
	if cfg.RecordStore == "" {
		cfg.RecordStore = "memory"
	}
	if cfg.DataDir == "" && (cfg.LogStore != "inmem" || cfg.RecordStore != "memory") {
		return nil, fmt.Errorf("local cluster with %s log store and %s record store needs a data dir", cfg.LogStore, cfg.RecordStore)
	}
	logOut := cfg.RaftLogOutput
	if logOut == nil {
		logOut = io.Discard
	}

	c := &LocalCluster{
		index:   make(map[string]int, cfg.Nodes),
		offline: make(map[string]bool),
	}
	servers := make([]raft.Server, 0, cfg.Nodes)
	for i := range cfg.Nodes {
		id := fmt.Sprintf("node-%d", i+1)
		_, t := raft.NewInmemTransport(raft.ServerAddress(id))
		c.transports = append(c.transports, t)
		c.index[id] = i
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: t.LocalAddr()})
	}
	connectInmem(c.transports)

	for i, t := range c.transports {
		id := string(servers[i].ID)
		nodeCfg := NodeConfig{
			NodeID:        id,
			LogStore:      cfg.LogStore,
			RecordStore:   cfg.RecordStore,
			RaftNoSync:    true,
			StoreNoSync:   true,
			ApplyDelay:    cfg.ApplyDelay,
			RaftLogOutput: logOut,
		}
		if cfg.DataDir != "" {
			nodeCfg.DataDir = filepath.Join(cfg.DataDir, id)
		}
		n, err := newNode(nodeCfg, t, t.Close, raft.NewInmemSnapshotStore(), tuneLocal)
		if err != nil {
			c.Shutdown()
			return nil, fmt.Errorf("start %s: %w", id, err)
		}
		c.nodes = append(c.nodes, n)
	}
	for _, n := range c.nodes {
		n.bootstrap(servers)
	}

	if _, err := c.waitLeader(localLeaderTimeout); err != nil {
		c.Shutdown()
		return nil, err
	}
	slog.Info("local cluster ready", "nodes", cfg.Nodes, "log_store", cfg.LogStore, "record_store", cfg.RecordStore)
	return c, nil
}

// tuneLocal shortens raft timing for an in-memory network.
func tuneLocal(c *raft.Config) {
	c.HeartbeatTimeout = 100 * time.Millisecond
	c.ElectionTimeout = 100 * time.Millisecond
	c.LeaderLeaseTimeout = 50 * time.Millisecond
	c.CommitTimeout = 5 * time.Millisecond
}

// Nodes returns the cluster's nodes in ID order.
func (c *LocalCluster) Nodes() []*Node {
	return append([]*Node(nil), c.nodes...)
}

func (c *LocalCluster) node(addr string) (*Node, error) {
	i, ok := c.index[addr]
	if !ok {
		return nil, fmt.Errorf("unknown node %q: %w", addr, harness.ErrNodeUnreachable)
	}
	c.mu.RLock()
	down := c.offline[addr]
	c.mu.RUnlock()
	if down {
		return nil, fmt.Errorf("%s is offline: %w", addr, harness.ErrNodeUnreachable)
	}
	return c.nodes[i], nil
}

// Leader returns the reachable leader, if any.
func (c *LocalCluster) Leader() (*Node, bool) {
	for _, n := range c.nodes {
		if _, err := c.node(n.ID()); err == nil && n.IsLeader() {
			return n, true
		}
	}
	return nil, false
}

func (c *LocalCluster) waitLeader(timeout time.Duration) (*Node, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if n, ok := c.Leader(); ok {
			return n, nil
		}
		time.Sleep(localSettlePoll)
	}
	return nil, fmt.Errorf("timeout waiting for local cluster leader")
}

// Status implements harness.StatusSource.
func (c *LocalCluster) Status(ctx context.Context) ([]harness.MemberStatus, error) {
	out := make([]harness.MemberStatus, 0, len(c.nodes))
	for _, n := range c.nodes {
		m := harness.MemberStatus{Address: n.ID(), Role: harness.RoleReplica}
		if _, err := c.node(n.ID()); err != nil {
			out = append(out, m)
			continue
		}
		m.Reachable = true
		m.RecordCount = n.RecordCount()
		if n.IsLeader() {
			m.Role = harness.RolePrimary
		}
		out = append(out, m)
	}
	return out, nil
}

// RecordCount implements harness.ProgressReader.
func (c *LocalCluster) RecordCount(ctx context.Context, addr string) (int64, error) {
	n, err := c.node(addr)
	if err != nil {
		return 0, err
	}
	return n.RecordCount(), nil
}

// IssueBatch implements harness.Writer.
func (c *LocalCluster) IssueBatch(ctx context.Context, addr string, batch workload.Batch) (int, error) {
	n, err := c.node(addr)
	if err != nil {
		return 0, err
	}
	written, err := n.ApplyBatch(ctx, batch.Docs())
	switch {
	case errors.Is(err, ErrNotLeader):
		return 0, fmt.Errorf("%s: %w", addr, harness.ErrNotPrimary)
	case errors.Is(err, ErrNodeStopped):
		return 0, fmt.Errorf("%s: %w", addr, harness.ErrNodeUnreachable)
	}
	return written, err
}

// SetOffline partitions a node from its peers and hides it from the harness,
// or heals it again.
func (c *LocalCluster) SetOffline(addr string, offline bool) error {
	i, ok := c.index[addr]
	if !ok {
		return fmt.Errorf("unknown node %q", addr)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.offline[addr] == offline {
		return nil
	}
	c.offline[addr] = offline
	self := c.transports[i]
	if offline {
		self.DisconnectAll()
		for j, t := range c.transports {
			if j != i {
				t.Disconnect(self.LocalAddr())
			}
		}
		return nil
	}
	for j, t := range c.transports {
		if j != i && !c.offline[string(t.LocalAddr())] {
			self.Connect(t.LocalAddr(), t)
			t.Connect(self.LocalAddr(), self)
		}
	}
	return nil
}

// SetApplyDelay changes the follower apply stall on every node.
func (c *LocalCluster) SetApplyDelay(d time.Duration) {
	for _, n := range c.nodes {
		n.SetApplyDelay(d)
	}
}

// Settle waits until the leader has applied everything it committed and
// every reachable follower has caught up to it, so that a new evaluation
// level starts from quiesced replicas.
func (c *LocalCluster) Settle(ctx context.Context) error {
	leader, err := c.waitLeader(localLeaderTimeout)
	if err != nil {
		return err
	}
	if err := leader.Barrier(localBarrierTimeout); err != nil {
		return fmt.Errorf("leader barrier: %w", err)
	}
	target := leader.RecordCount()

	deadline := time.Now().Add(localBarrierTimeout)
	for {
		behind := ""
		for _, n := range c.nodes {
			if _, err := c.node(n.ID()); err != nil {
				continue
			}
			if n.RecordCount() < target {
				behind = n.ID()
				break
			}
		}
		if behind == "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%s did not catch up to %d records", behind, target)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(localSettlePoll):
		}
	}
}

// Shutdown stops every node.
func (c *LocalCluster) Shutdown() error {
	var errs []error
	for _, n := range c.nodes {
		if err := n.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.ID(), err))
		}
	}
	return errors.Join(errs...)
}
