package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/corvohq/replbench/internal/clock"
)

// ConvergenceResult is the outcome of waiting for replicas to reach the
// primary's end-of-burst count. ConvergedAt is set only when TimedOut is
// false.
type ConvergenceResult struct {
	Target      int64
	StartedAt   time.Time
	ConvergedAt time.Time
	TimedOut    bool

	// MinReplicaRecordCountObserved is the best per-poll minimum across the
	// replicas that could be read. MinObserved is false if no poll ever
	// read any replica.
	MinReplicaRecordCountObserved int64
	MinObserved                   bool

	Polls        int
	LastPolledAt time.Time
	// Latest holds the most recent successful sample per replica.
	Latest map[string]ProgressSnapshot
	// Unknown lists the replicas whose most recent poll failed.
	Unknown []string
	// SampleErrors holds the latest failure per replica, in order of first
	// failure.
	SampleErrors []*SampleError
}

// Converged reports whether every replica reached the target in time.
func (r ConvergenceResult) Converged() bool {
	return !r.TimedOut && !r.ConvergedAt.IsZero()
}

// CatchupWaiter polls replicas until they all reach a target record count
// or a timeout elapses.
type CatchupWaiter struct {
	sampler  *ProgressSampler
	clock    clock.Clock
	interval time.Duration
	// onSample sees every poll before it is interpreted; an error ends the wait.
	onSample func(Snapshot) error
	log      *slog.Logger
}

// NewCatchupWaiter returns a waiter that polls every interval.
func NewCatchupWaiter(sampler *ProgressSampler, clk clock.Clock, interval time.Duration, log *slog.Logger) *CatchupWaiter {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &CatchupWaiter{sampler: sampler, clock: clk, interval: interval, log: log}
}

// WaitForConvergence blocks until the minimum record count across all
// replicas is at least target, or timeout elapses. A replica that cannot be
// read counts as not converged, so an unreachable replica always ends in a
// timeout rather than a hang. Partial results are returned in every case.
func (w *CatchupWaiter) WaitForConvergence(ctx context.Context, target int64, replicas []Node, timeout time.Duration) (ConvergenceResult, error) {
	return w.waitUntil(ctx, target, replicas, w.clock.Now().Add(timeout))
}

// waitUntil is WaitForConvergence with an absolute deadline. Convergence
// observed after the deadline is reported as a timeout.
func (w *CatchupWaiter) waitUntil(ctx context.Context, target int64, replicas []Node, deadline time.Time) (ConvergenceResult, error) {
	if w.interval <= 0 {
		return ConvergenceResult{}, fmt.Errorf("poll interval must be > 0, got %s", w.interval)
	}
	res := ConvergenceResult{
		Target:    target,
		StartedAt: w.clock.Now(),
		Latest:    make(map[string]ProgressSnapshot, len(replicas)),
	}
	errIndex := make(map[string]int)

	for {
		snap := w.sampler.Sample(ctx, PhaseCatchup, replicas)
		res.Polls++
		res.LastPolledAt = snap.TakenAt
		if w.onSample != nil {
			if err := w.onSample(snap); err != nil {
				res.TimedOut = true
				res.Unknown = snap.FailedNodes()
				return res, err
			}
		}
		for addr, p := range snap.Progress {
			res.Latest[addr] = p
		}
		for _, addr := range snap.FailedNodes() {
			if i, ok := errIndex[addr]; ok {
				res.SampleErrors[i] = snap.Failures[addr]
				continue
			}
			errIndex[addr] = len(res.SampleErrors)
			res.SampleErrors = append(res.SampleErrors, snap.Failures[addr])
		}
		res.Unknown = snap.FailedNodes()

		lowest, ok, unknown := snap.Min(replicas)
		if ok && (!res.MinObserved || lowest.RecordCount > res.MinReplicaRecordCountObserved) {
			res.MinReplicaRecordCountObserved = lowest.RecordCount
			res.MinObserved = true
		}
		w.log.Debug("catchup poll",
			"poll", res.Polls,
			"target", target,
			"min", lowest.RecordCount,
			"unknown", len(unknown),
		)
		now := w.clock.Now()
		caughtUp := len(unknown) == 0 && (len(replicas) == 0 || lowest.RecordCount >= target)
		if caughtUp && !now.After(deadline) {
			res.ConvergedAt = now
			return res, nil
		}
		remaining := deadline.Sub(now)
		if remaining <= 0 {
			res.TimedOut = true
			sort.Strings(res.Unknown)
			return res, nil
		}
		wait := w.interval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-w.clock.After(wait):
		case <-ctx.Done():
			res.TimedOut = true
			return res, ctx.Err()
		}
	}
}
