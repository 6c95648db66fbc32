package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/corvohq/replbench/internal/harness"
	"github.com/corvohq/replbench/internal/raft"
	"github.com/corvohq/replbench/internal/server"
	"github.com/corvohq/replbench/internal/workload"
)

type fakeNode struct {
	mu       sync.Mutex
	id       string
	leader   bool
	records  int64
	applyErr error
	voters   map[string]string
}

func (n *fakeNode) Status() raft.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return raft.Status{NodeID: n.id, Leader: n.leader, RecordCount: n.records}
}

func (n *fakeNode) ApplyBatch(ctx context.Context, docs [][]byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applyErr != nil {
		return 0, n.applyErr
	}
	if !n.leader {
		return 0, raft.ErrNotLeader
	}
	n.records += int64(len(docs))
	return len(docs), nil
}

func (n *fakeNode) AddVoter(id, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.leader {
		return raft.ErrNotLeader
	}
	if n.voters == nil {
		n.voters = map[string]string{}
	}
	n.voters[id] = addr
	return nil
}

func (n *fakeNode) LeaderID() string { return "n1" }

func startNode(t *testing.T, node *fakeNode, opts server.Options) string {
	t.Helper()
	ts := httptest.NewServer(server.New(node, opts).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func testBatch(t *testing.T, n int) workload.Batch {
	t.Helper()
	b, err := workload.NewBatch(n, 64)
	if err != nil {
		t.Fatalf("NewBatch: %v", err)
	}
	return b
}

func TestClientStatusAndWrite(t *testing.T) {
	node := &fakeNode{id: "n1", leader: true}
	c := New(startNode(t, node, server.Options{}))
	ctx := context.Background()

	n, err := c.WriteBatch(ctx, testBatch(t, 5).Docs())
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if n != 5 {
		t.Fatalf("records = %d, want 5", n)
	}
	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Leader || st.NodeID != "n1" || st.RecordCount != 5 {
		t.Fatalf("status = %+v", st)
	}
}

func TestClientJoin(t *testing.T) {
	node := &fakeNode{id: "n1", leader: true}
	c := New(startNode(t, node, server.Options{}))
	if err := c.Join(context.Background(), "n2", "127.0.0.1:9001"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.voters["n2"] != "127.0.0.1:9001" {
		t.Fatalf("voters = %v", node.voters)
	}
}

func TestClientNewAddsScheme(t *testing.T) {
	if got := New("localhost:8080/").URL; got != "http://localhost:8080" {
		t.Fatalf("URL = %q", got)
	}
	if got := New("https://node").URL; got != "https://node" {
		t.Fatalf("URL = %q", got)
	}
}

func TestEncodeBatchBody(t *testing.T) {
	got := string(encodeBatchBody([][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}))
	if want := `{"documents":[{"a":1},{"b":2}]}`; got != want {
		t.Fatalf("body = %s, want %s", got, want)
	}
}

func TestClientJWT(t *testing.T) {
	node := &fakeNode{id: "n1", leader: true}
	url := startNode(t, node, server.Options{JWTSecret: "s3cret"})
	ctx := context.Background()

	if _, err := New(url).Status(ctx); err == nil {
		t.Fatal("expected unauthenticated request to fail")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
			t.Fatalf("err = %v, want 401 APIError", err)
		}
	}
	if _, err := New(url, WithJWTSecret("wrong")).Status(ctx); err == nil {
		t.Fatal("expected wrong secret to fail")
	}

	c := New(url, WithJWTSecret("s3cret"))
	if _, err := c.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	first := c.token
	if _, err := c.Status(ctx); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if c.token != first {
		t.Fatal("token re-signed before refresh window")
	}

	// Within the refresh window the token is replaced.
	c.now = func() time.Time { return time.Now().Add(tokenTTL - tokenRefresh/2) }
	if _, err := c.bearer(); err != nil {
		t.Fatalf("bearer: %v", err)
	}
	if c.token == first {
		t.Fatal("token not refreshed near expiry")
	}
}

func TestClientH2C(t *testing.T) {
	node := &fakeNode{id: "n1", leader: true}
	url := startNode(t, node, server.Options{H2C: true})
	c := New(url, WithH2C(), WithTimeout(5*time.Second))
	if _, err := c.WriteBatch(context.Background(), testBatch(t, 3).Docs()); err != nil {
		t.Fatalf("WriteBatch over h2c: %v", err)
	}
	if got := node.Status().RecordCount; got != 3 {
		t.Fatalf("records = %d, want 3", got)
	}
}

func TestClusterStatusRoles(t *testing.T) {
	primary := startNode(t, &fakeNode{id: "n1", leader: true, records: 10}, server.Options{})
	replica := startNode(t, &fakeNode{id: "n2", records: 7}, server.Options{})
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c, err := NewCluster([]string{primary, replica, deadURL})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	members, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []harness.MemberStatus{
		{Address: primary, Role: harness.RolePrimary, RecordCount: 10, Reachable: true},
		{Address: replica, Role: harness.RoleReplica, RecordCount: 7, Reachable: true},
		{Address: deadURL, Role: harness.RoleReplica},
	}
	if len(members) != len(want) {
		t.Fatalf("members = %+v", members)
	}
	for i := range want {
		if members[i] != want[i] {
			t.Errorf("member %d = %+v, want %+v", i, members[i], want[i])
		}
	}

	topo, err := harness.NewClusterTopology(c).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if topo.Primary.Address != primary {
		t.Fatalf("primary = %s, want %s", topo.Primary.Address, primary)
	}
}

func TestNewClusterRejects(t *testing.T) {
	if _, err := NewCluster(nil); err == nil {
		t.Fatal("expected error for empty members")
	}
	if _, err := NewCluster([]string{"a:1", "a:1"}); err == nil {
		t.Fatal("expected error for duplicate member")
	}
}

func TestClusterErrorClassification(t *testing.T) {
	follower := startNode(t, &fakeNode{id: "n2"}, server.Options{})
	stopped := startNode(t, &fakeNode{id: "n3", leader: true, applyErr: raft.ErrNodeStopped}, server.Options{})
	broken := startNode(t, &fakeNode{id: "n4", leader: true, applyErr: errors.New("disk full")}, server.Options{})
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c, err := NewCluster([]string{follower, stopped, broken, deadURL})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	batch := testBatch(t, 2)

	tests := []struct {
		name        string
		addr        string
		unreachable bool
		notPrimary  bool
	}{
		{"follower", follower, false, true},
		{"stopped", stopped, true, false},
		{"internal", broken, false, false},
		{"dead", deadURL, true, false},
		{"unknown", "http://nowhere:1", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.IssueBatch(context.Background(), tt.addr, batch)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, harness.ErrNodeUnreachable); got != tt.unreachable {
				t.Errorf("unreachable = %v, want %v (%v)", got, tt.unreachable, err)
			}
			if got := errors.Is(err, harness.ErrNotPrimary); got != tt.notPrimary {
				t.Errorf("not primary = %v, want %v (%v)", got, tt.notPrimary, err)
			}
		})
	}

	if _, err := c.RecordCount(context.Background(), deadURL); !errors.Is(err, harness.ErrNodeUnreachable) {
		t.Fatalf("RecordCount dead node: %v", err)
	}
}

func TestClusterDrivesHarness(t *testing.T) {
	primaryNode := &fakeNode{id: "n1", leader: true}
	primary := startNode(t, primaryNode, server.Options{})
	replicaNode := &fakeNode{id: "n2"}
	replica := startNode(t, replicaNode, server.Options{})

	c, err := NewCluster([]string{primary, replica})
	if err != nil {
		t.Fatalf("NewCluster: %v", err)
	}
	h, err := harness.New(c, c, c, harness.Options{
		WorkerCounts:       []int{2},
		BurstDuration:      100 * time.Millisecond,
		PollInterval:       10 * time.Millisecond,
		ConvergenceTimeout: 2 * time.Second,
		Threshold:          0.5,
		Batch:              testBatch(t, 4),
	})
	if err != nil {
		t.Fatalf("harness.New: %v", err)
	}

	// The replica copies the primary's count every few milliseconds.
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				primaryNode.mu.Lock()
				n := primaryNode.records
				primaryNode.mu.Unlock()
				replicaNode.mu.Lock()
				replicaNode.records = n
				replicaNode.mu.Unlock()
			}
		}
	}()
	verdicts, err := h.Run(context.Background())
	close(stop)
	<-done
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(verdicts) != 1 {
		t.Fatalf("verdicts = %d, want 1", len(verdicts))
	}
	v := verdicts[0]
	if v.TimedOut {
		t.Fatalf("verdict timed out: %+v", v)
	}
	if v.RecordsAcknowledged == 0 {
		t.Fatal("no records acknowledged")
	}
	if !v.PrimaryThroughput.Defined {
		t.Fatal("primary throughput undefined")
	}
}
