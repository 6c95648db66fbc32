package harness

import (
	"context"
	"sync"

	"github.com/corvohq/replbench/internal/clock"
	"golang.org/x/sync/errgroup"
)

const defaultSampleParallelism = 16

// ProgressSampler takes point-in-time record counts from a set of nodes.
type ProgressSampler struct {
	reader      ProgressReader
	clock       clock.Clock
	parallelism int
}

// NewProgressSampler returns a sampler that reads nodes through reader and
// timestamps every observation with clk.
func NewProgressSampler(reader ProgressReader, clk clock.Clock, parallelism int) *ProgressSampler {
	if clk == nil {
		clk = clock.Real{}
	}
	if parallelism <= 0 {
		parallelism = defaultSampleParallelism
	}
	return &ProgressSampler{reader: reader, clock: clk, parallelism: parallelism}
}

// Sample reads every node. A node that cannot be read is recorded in
// Failures; it never prevents the other nodes from being sampled.
func (s *ProgressSampler) Sample(ctx context.Context, phase Phase, nodes []Node) Snapshot {
	snap := Snapshot{
		Phase:    phase,
		TakenAt:  s.clock.Now(),
		Progress: make(map[string]ProgressSnapshot, len(nodes)),
		Failures: make(map[string]*SampleError),
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.parallelism)
	for _, n := range nodes {
		addr := n.Address
		g.Go(func() error {
			count, err := s.reader.RecordCount(ctx, addr)
			observedAt := s.clock.Now()
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Failures[addr] = &SampleError{Phase: phase, Node: addr, Err: err}
				return nil
			}
			snap.Progress[addr] = ProgressSnapshot{Node: addr, RecordCount: count, ObservedAt: observedAt}
			return nil
		})
	}
	_ = g.Wait()
	return snap
}
