package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corvohq/replbench/internal/clock"
)

func runBurst(t *testing.T, c *counterCluster, workers int, d time.Duration) BurstResult {
	t.Helper()
	sampler := NewProgressSampler(c, clock.Real{}, 0)
	lb := NewLoadBurst(sampler, clock.Real{}, testBatch(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	topo, err := NewClusterTopology(c).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	res, err := lb.Run(context.Background(), topo, workers, d, c)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestBurstRunsForDuration(t *testing.T) {
	c := &counterCluster{primary: "p", replicas: []string{"r1"}}
	d := 60 * time.Millisecond
	res := runBurst(t, c, 4, d)

	if res.Elapsed() < d {
		t.Fatalf("elapsed %s shorter than %s", res.Elapsed(), d)
	}
	if res.Aborted {
		t.Fatalf("unexpected abort: %v", res.AbortCause)
	}
	if res.RecordsAcknowledged == 0 || res.Batches == 0 {
		t.Fatal("no writes recorded")
	}
	if res.PrimaryRecordCountAtEnd != c.written.Load() {
		t.Fatalf("primary count %d, written %d", res.PrimaryRecordCountAtEnd, c.written.Load())
	}
	if res.RecordsAcknowledged != res.PrimaryRecordCountAtEnd {
		t.Fatalf("acknowledged %d, primary %d", res.RecordsAcknowledged, res.PrimaryRecordCountAtEnd)
	}
	if res.Latency.Count != res.Batches {
		t.Fatalf("latency samples %d, batches %d", res.Latency.Count, res.Batches)
	}
	if _, ok := res.AfterBurst.Get("r1"); !ok {
		t.Fatal("after-burst snapshot should include replicas")
	}
}

func TestBurstAbortsOnUnreachablePrimary(t *testing.T) {
	c := &counterCluster{
		primary:  "p",
		replicas: []string{"r1"},
		write: func(ctx context.Context, call int64) error {
			if call >= 5 {
				return fmt.Errorf("post batch: %w", ErrNodeUnreachable)
			}
			return nil
		},
	}
	d := 10 * time.Second
	res := runBurst(t, c, 2, d)

	if !res.Aborted {
		t.Fatal("expected burst to abort")
	}
	if res.Elapsed() >= d {
		t.Fatalf("aborted burst ran the full %s", res.Elapsed())
	}
	var werr *WriteError
	if !errors.As(res.AbortCause, &werr) || !errors.Is(werr, ErrNodeUnreachable) {
		t.Fatalf("abort cause = %v", res.AbortCause)
	}
	if !res.EndedAt.After(res.StartedAt) {
		t.Fatal("EndedAt must reflect the actual end time")
	}
}

func TestBurstAbortRecordedWhenLastWorkerExits(t *testing.T) {
	for i := range 50 {
		c := &counterCluster{
			primary:  "p",
			replicas: []string{"r1"},
			write: func(ctx context.Context, call int64) error {
				return fmt.Errorf("post batch: %w", ErrNotPrimary)
			},
		}
		res := runBurst(t, c, 1, 10*time.Second)
		if !res.Aborted {
			t.Fatalf("run %d: abort not recorded", i)
		}
		if !errors.Is(res.AbortCause, ErrNotPrimary) {
			t.Fatalf("run %d: abort cause = %v", i, res.AbortCause)
		}
	}
}

func TestBurstPrimaryLostIsTopologyError(t *testing.T) {
	c := &counterCluster{primary: "p", replicas: []string{"r1"}}
	c.write = func(ctx context.Context, call int64) error {
		if call >= 3 {
			c.primaryDown.Store(true)
			return fmt.Errorf("post batch: %w", ErrNodeUnreachable)
		}
		return nil
	}
	sampler := NewProgressSampler(c, clock.Real{}, 0)
	lb := NewLoadBurst(sampler, clock.Real{}, testBatch(t), slog.New(slog.NewTextHandler(io.Discard, nil)))
	topo, err := NewClusterTopology(c).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	res, err := lb.Run(context.Background(), topo, 2, 10*time.Second, c)
	var te *TopologyError
	if !errors.As(err, &te) {
		t.Fatalf("expected TopologyError, got %v", err)
	}
	if te.Phase != PhaseAfterBurst || len(te.Primaries) != 1 || te.Primaries[0] != "p" {
		t.Fatalf("unexpected error detail: %+v", te)
	}
	if !errors.Is(err, ErrNodeUnreachable) || !IsFatal(err) {
		t.Fatalf("error should be fatal and unwrap to ErrNodeUnreachable: %v", err)
	}
	if !res.Aborted || res.EndedAt.IsZero() {
		t.Fatalf("partial burst result lost: aborted=%v ended=%v", res.Aborted, res.EndedAt)
	}
}

func TestBurstRecoverableWriteErrorStopsOneWorker(t *testing.T) {
	c := &counterCluster{
		primary:  "p",
		replicas: []string{"r1"},
		write: func(ctx context.Context, call int64) error {
			if call == 3 {
				return errors.New("document rejected")
			}
			return nil
		},
	}
	res := runBurst(t, c, 3, 50*time.Millisecond)

	if res.Aborted {
		t.Fatalf("recoverable error aborted burst: %v", res.AbortCause)
	}
	if len(res.WriteErrors) != 1 {
		t.Fatalf("write errors = %v", res.WriteErrors)
	}
	if res.RecordsAcknowledged == 0 {
		t.Fatal("remaining workers should keep writing")
	}
}

func TestBurstEndsWhenAllWorkersStop(t *testing.T) {
	c := &counterCluster{
		primary:  "p",
		replicas: []string{"r1"},
		write: func(ctx context.Context, call int64) error {
			return errors.New("quota exceeded")
		},
	}
	d := 10 * time.Second
	res := runBurst(t, c, 2, d)
	if res.Elapsed() >= d {
		t.Fatal("burst should end once every worker has stopped")
	}
	if len(res.WriteErrors) != 2 {
		t.Fatalf("write errors = %d, want 2", len(res.WriteErrors))
	}
}

func TestBurstRejectsBadArguments(t *testing.T) {
	c := &counterCluster{primary: "p"}
	lb := NewLoadBurst(NewProgressSampler(c, nil, 0), nil, testBatch(t), nil)
	topo := Topology{Primary: Node{Address: "p", Role: RolePrimary, Reachable: true}}
	if _, err := lb.Run(context.Background(), topo, 0, time.Second, c); err == nil {
		t.Fatal("expected error for zero workers")
	}
	if _, err := lb.Run(context.Background(), topo, 1, 0, c); err == nil {
		t.Fatal("expected error for zero duration")
	}
}
