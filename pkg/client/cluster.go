package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/corvohq/replbench/internal/harness"
	"github.com/corvohq/replbench/internal/workload"
)

// Cluster addresses a set of nodes by base URL and implements the harness
// status, progress and write capabilities over their HTTP APIs.
type Cluster struct {
	members []string
	clients map[string]*Client
}

// NewCluster builds a client per member. Members are identified by the URL
// they were given with.
func NewCluster(members []string, opts ...Option) (*Cluster, error) {
	if len(members) == 0 {
		return nil, errors.New("cluster needs at least one member")
	}
	c := &Cluster{clients: make(map[string]*Client, len(members))}
	for _, m := range members {
		if _, dup := c.clients[m]; dup {
			return nil, fmt.Errorf("duplicate member %q", m)
		}
		c.members = append(c.members, m)
		c.clients[m] = New(m, opts...)
	}
	return c, nil
}

// Members returns the member addresses in configuration order.
func (c *Cluster) Members() []string {
	return append([]string(nil), c.members...)
}

func (c *Cluster) client(addr string) (*Client, error) {
	cl, ok := c.clients[addr]
	if !ok {
		return nil, fmt.Errorf("unknown member %q: %w", addr, harness.ErrNodeUnreachable)
	}
	return cl, nil
}

// Status queries every member concurrently. A member that cannot be reached
// is reported as an unreachable replica rather than failing the call.
func (c *Cluster) Status(ctx context.Context) ([]harness.MemberStatus, error) {
	out := make([]harness.MemberStatus, len(c.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, addr := range c.members {
		g.Go(func() error {
			ms := harness.MemberStatus{Address: addr, Role: harness.RoleReplica}
			st, err := c.clients[addr].Status(gctx)
			if err == nil {
				ms.Reachable = true
				ms.RecordCount = st.RecordCount
				if st.Leader {
					ms.Role = harness.RolePrimary
				}
			}
			out[i] = ms
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordCount returns how many records addr has applied.
func (c *Cluster) RecordCount(ctx context.Context, addr string) (int64, error) {
	cl, err := c.client(addr)
	if err != nil {
		return 0, err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return 0, classify(addr, err)
	}
	return st.RecordCount, nil
}

// IssueBatch posts one batch to addr. It never retries.
func (c *Cluster) IssueBatch(ctx context.Context, addr string, batch workload.Batch) (int, error) {
	cl, err := c.client(addr)
	if err != nil {
		return 0, err
	}
	n, err := cl.WriteBatch(ctx, batch.Docs())
	if err != nil {
		return 0, classify(addr, err)
	}
	return n, nil
}

// classify maps client failures onto the harness sentinels so the burst can
// tell a lost primary from an ordinary failed write.
func classify(addr string, err error) error {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrTransport):
		return fmt.Errorf("%s: %w: %w", addr, harness.ErrNodeUnreachable, err)
	case errors.As(err, &apiErr) && apiErr.NotLeader():
		return fmt.Errorf("%s: %w: %w", addr, harness.ErrNotPrimary, err)
	case errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable:
		return fmt.Errorf("%s: %w: %w", addr, harness.ErrNodeUnreachable, err)
	}
	return fmt.Errorf("%s: %w", addr, err)
}
