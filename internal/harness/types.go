package harness

import (
	"context"
	"sort"
	"time"

	"github.com/corvohq/replbench/internal/workload"
)

// Role is a node's replication role as reported by the cluster.
type Role string

const (
	RolePrimary Role = "primary"
	RoleReplica Role = "replica"
)

// Phase names the step of an evaluation an observation or error belongs to.
type Phase string

const (
	PhaseResolve    Phase = "resolve"
	PhaseBefore     Phase = "before"
	PhaseBurst      Phase = "burst"
	PhaseAfterBurst Phase = "after-burst"
	PhaseCatchup    Phase = "catchup"
	PhaseVerify     Phase = "verify"
	PhaseEvaluate   Phase = "evaluate"
)

// MemberStatus is one entry of the cluster status capability.
type MemberStatus struct {
	Address     string
	Role        Role
	RecordCount int64
	Reachable   bool
}

// StatusSource reports every cluster member with its role and progress.
type StatusSource interface {
	Status(ctx context.Context) ([]MemberStatus, error)
}

// ProgressReader reads the processed-record count of a single node.
type ProgressReader interface {
	RecordCount(ctx context.Context, address string) (int64, error)
}

// Writer issues one batch of writes to a node and returns the number of
// records the node accepted. It owns its own retry policy.
type Writer interface {
	IssueBatch(ctx context.Context, address string, batch workload.Batch) (int, error)
}

// WriteFunc adapts a function to the Writer interface.
type WriteFunc func(ctx context.Context, address string, batch workload.Batch) (int, error)

func (f WriteFunc) IssueBatch(ctx context.Context, address string, batch workload.Batch) (int, error) {
	return f(ctx, address, batch)
}

// Node is a cluster member as resolved at the start of an evaluation.
type Node struct {
	Address   string `json:"address"`
	Role      Role   `json:"role"`
	Reachable bool   `json:"reachable"`
}

// Topology is a resolved primary and its replicas.
type Topology struct {
	Primary  Node   `json:"primary"`
	Replicas []Node `json:"replicas"`
}

// Nodes returns the primary followed by the replicas.
func (t Topology) Nodes() []Node {
	out := make([]Node, 0, len(t.Replicas)+1)
	out = append(out, t.Primary)
	return append(out, t.Replicas...)
}

// ProgressSnapshot is a single node's record count at an instant.
type ProgressSnapshot struct {
	Node        string    `json:"node"`
	RecordCount int64     `json:"record_count"`
	ObservedAt  time.Time `json:"observed_at"`
}

// Snapshot is the result of one sampling call. Nodes that could not be read
// appear in Failures instead of Progress.
type Snapshot struct {
	Phase    Phase
	TakenAt  time.Time
	Progress map[string]ProgressSnapshot
	Failures map[string]*SampleError
}

// Get returns the sample for a node, if it was read.
func (s Snapshot) Get(address string) (ProgressSnapshot, bool) {
	p, ok := s.Progress[address]
	return p, ok
}

// Min returns the smallest record count among the given nodes that were
// sampled, and the addresses that were not. ok is false when none were.
func (s Snapshot) Min(nodes []Node) (lowest ProgressSnapshot, ok bool, unknown []string) {
	for _, n := range nodes {
		p, found := s.Progress[n.Address]
		if !found {
			unknown = append(unknown, n.Address)
			continue
		}
		if !ok || p.RecordCount < lowest.RecordCount {
			lowest = p
			ok = true
		}
	}
	sort.Strings(unknown)
	return lowest, ok, unknown
}

// FailedNodes returns the addresses that failed to sample, sorted.
func (s Snapshot) FailedNodes() []string {
	out := make([]string, 0, len(s.Failures))
	for addr := range s.Failures {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
