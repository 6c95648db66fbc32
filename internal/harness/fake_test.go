package harness

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/corvohq/replbench/internal/clock"
	"github.com/corvohq/replbench/internal/workload"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// simCluster is a cluster whose record counts are functions of simulated
// time, so a stepping clock fully determines what each sample observes.
type simCluster struct {
	clk *clock.Stepping

	mu       sync.Mutex
	start    time.Time
	primary  string
	counts   map[string]func(elapsed time.Duration) int64
	failing  map[string]simFailure
	statuses [][]MemberStatus // served in order, last one repeats
	calls    int
	writes   atomic.Int64
}

func newSimCluster(clk *clock.Stepping, primary string) *simCluster {
	return &simCluster{
		clk:     clk,
		start:   clk.Now(),
		primary: primary,
		counts:  make(map[string]func(time.Duration) int64),
		failing: make(map[string]simFailure),
	}
}

func (c *simCluster) setCount(addr string, fn func(time.Duration) int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[addr] = fn
}

// simFailure makes a node fail with err once simulated time reaches from.
type simFailure struct {
	from time.Duration
	err  error
}

func (c *simCluster) fail(addr string, err error) {
	c.failFrom(addr, 0, err)
}

func (c *simCluster) failFrom(addr string, from time.Duration, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[addr] = simFailure{from: from, err: err}
}

func (c *simCluster) downLocked(addr string) error {
	f, ok := c.failing[addr]
	if !ok || c.clk.Now().Sub(c.start) < f.from {
		return nil
	}
	return f.err
}

func (c *simCluster) Status(ctx context.Context) ([]MemberStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) > 0 {
		i := c.calls
		if i >= len(c.statuses) {
			i = len(c.statuses) - 1
		}
		c.calls++
		return c.statuses[i], nil
	}
	c.calls++
	out := make([]MemberStatus, 0, len(c.counts))
	for addr := range c.counts {
		role := RoleReplica
		if addr == c.primary {
			role = RolePrimary
		}
		out = append(out, MemberStatus{Address: addr, Role: role, Reachable: c.downLocked(addr) == nil})
	}
	return out, nil
}

func (c *simCluster) RecordCount(ctx context.Context, addr string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.downLocked(addr); err != nil {
		return 0, err
	}
	fn, ok := c.counts[addr]
	if !ok {
		return 0, fmt.Errorf("unknown node %s: %w", addr, ErrNodeUnreachable)
	}
	return fn(c.clk.Now().Sub(c.start)), nil
}

func (c *simCluster) IssueBatch(ctx context.Context, addr string, b workload.Batch) (int, error) {
	// Yield so workers do not spin while the stepping clock ends the burst.
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	err := c.downLocked(addr)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	c.writes.Add(int64(b.Len()))
	return b.Len(), nil
}

// linear returns a count that grows at perSecond from zero and stops at limit.
func linear(perSecond float64, limit int64) func(time.Duration) int64 {
	return func(d time.Duration) int64 {
		n := int64(perSecond * d.Seconds())
		if n > limit {
			return limit
		}
		return n
	}
}

// reaching returns a count that grows linearly to total at exactly at.
func reaching(total int64, at time.Duration) func(time.Duration) int64 {
	return func(d time.Duration) int64 {
		if d >= at {
			return total
		}
		return total * int64(d) / int64(at)
	}
}

// counterCluster is a real-time cluster whose primary count is the number
// of records written to it. Replicas mirror the primary.
type counterCluster struct {
	primary  string
	replicas []string
	written  atomic.Int64
	write    func(ctx context.Context, call int64) error
	calls    atomic.Int64
	// primaryDown makes the primary unreadable as well as unwritable.
	primaryDown atomic.Bool
}

func (c *counterCluster) Status(ctx context.Context) ([]MemberStatus, error) {
	out := []MemberStatus{{Address: c.primary, Role: RolePrimary, Reachable: true}}
	for _, r := range c.replicas {
		out = append(out, MemberStatus{Address: r, Role: RoleReplica, Reachable: true})
	}
	return out, nil
}

func (c *counterCluster) RecordCount(ctx context.Context, addr string) (int64, error) {
	if addr == c.primary && c.primaryDown.Load() {
		return 0, fmt.Errorf("read %s: %w", addr, ErrNodeUnreachable)
	}
	return c.written.Load(), nil
}

func (c *counterCluster) IssueBatch(ctx context.Context, addr string, b workload.Batch) (int, error) {
	call := c.calls.Add(1)
	if c.write != nil {
		if err := c.write(ctx, call); err != nil {
			return 0, err
		}
	}
	time.Sleep(200 * time.Microsecond)
	c.written.Add(int64(b.Len()))
	return b.Len(), nil
}

func testBatch(t testing.TB) workload.Batch {
	t.Helper()
	b, err := workload.NewBatch(10, 64)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return b
}
