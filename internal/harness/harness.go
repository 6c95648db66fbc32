// Package harness evaluates whether a primary-replica store's replication
// path keeps pace with its ingestion path under sustained write load.
//
// One evaluation level runs sample → burst → wait → evaluate:
//
//	topology  := resolve the single primary and its replicas
//	before    := sample every node
//	burst     := N workers write to the primary for a bounded duration,
//	             then every node is sampled once more
//	catchup   := poll replicas until they reach the primary's end count
//	verdict   := compare slowest-replica and primary throughput
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/corvohq/replbench/internal/clock"
	"github.com/corvohq/replbench/internal/workload"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/corvohq/replbench/internal/harness"

// Options configures a Harness. It is copied at construction.
type Options struct {
	WorkerCounts       []int
	BurstDuration      time.Duration
	PollInterval       time.Duration
	ConvergenceTimeout time.Duration
	Threshold          float64
	Batch              workload.Batch

	// SampleParallelism bounds concurrent node reads per snapshot.
	SampleParallelism int
	Clock             clock.Clock
	Logger            *slog.Logger

	// BeforeLevel runs before each worker-count level, e.g. to flush or
	// quiesce the store so levels start from a settled state.
	BeforeLevel func(ctx context.Context, workerCount int) error
}

// Harness runs evaluations against one cluster.
type Harness struct {
	opts      Options
	topology  *ClusterTopology
	sampler   *ProgressSampler
	burst     *LoadBurst
	evaluator *ThroughputEvaluator
	writer    Writer
	log       *slog.Logger
	tracer    trace.Tracer
}

// New builds a Harness over the cluster status, progress and write
// capabilities.
func New(status StatusSource, progress ProgressReader, writer Writer, opts Options) (*Harness, error) {
	if status == nil || progress == nil || writer == nil {
		return nil, errors.New("harness: status, progress and writer are required")
	}
	if opts.BurstDuration <= 0 {
		return nil, fmt.Errorf("harness: burst duration must be > 0")
	}
	if opts.PollInterval <= 0 {
		return nil, fmt.Errorf("harness: poll interval must be > 0")
	}
	if opts.ConvergenceTimeout <= 0 {
		return nil, fmt.Errorf("harness: convergence timeout must be > 0")
	}
	if opts.Batch.Len() == 0 {
		return nil, fmt.Errorf("harness: workload batch is empty")
	}
	evaluator, err := NewThroughputEvaluator(opts.Threshold)
	if err != nil {
		return nil, fmt.Errorf("harness: %w", err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.WorkerCounts = append([]int(nil), opts.WorkerCounts...)

	sampler := NewProgressSampler(progress, opts.Clock, opts.SampleParallelism)
	return &Harness{
		opts:      opts,
		topology:  NewClusterTopology(status),
		sampler:   sampler,
		burst:     NewLoadBurst(sampler, opts.Clock, opts.Batch, opts.Logger),
		evaluator: evaluator,
		writer:    writer,
		log:       opts.Logger,
		tracer:    otel.Tracer(tracerName),
	}, nil
}

// Run evaluates every configured worker-count level in order. It stops at
// the first fatal error and returns the verdicts produced so far.
func (h *Harness) Run(ctx context.Context) ([]Verdict, error) {
	runID := uuid.NewString()
	verdicts := make([]Verdict, 0, len(h.opts.WorkerCounts))
	for _, n := range h.opts.WorkerCounts {
		if h.opts.BeforeLevel != nil {
			if err := h.opts.BeforeLevel(ctx, n); err != nil {
				return verdicts, fmt.Errorf("prepare level %d: %w", n, err)
			}
		}
		v, err := h.Evaluate(ctx, n)
		if err != nil {
			return verdicts, fmt.Errorf("level %d: %w", n, err)
		}
		v.RunID = runID
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

// Evaluate runs one evaluation with workerCount concurrent writers. A
// convergence timeout is not an error: it yields a failed verdict that
// still carries every figure measured.
func (h *Harness) Evaluate(ctx context.Context, workerCount int) (v Verdict, err error) {
	ctx, span := h.tracer.Start(ctx, "replbench.evaluate",
		trace.WithAttributes(attribute.Int("replbench.worker_count", workerCount)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.Bool("replbench.passed", v.Passed),
				attribute.Bool("replbench.timed_out", v.TimedOut),
			)
		}
		span.End()
	}()

	log := h.log.With("workers", workerCount)
	ledger := newProgressLedger()

	topo, err := h.resolve(ctx, PhaseResolve)
	if err != nil {
		return Verdict{}, err
	}
	span.SetAttributes(
		attribute.String("replbench.primary", topo.Primary.Address),
		attribute.Int("replbench.replicas", len(topo.Replicas)),
	)
	log.Info("resolved topology", "primary", topo.Primary.Address, "replicas", len(topo.Replicas))

	before := h.sample(ctx, PhaseBefore, topo.Nodes())
	if err := ledger.observe(before); err != nil {
		return Verdict{}, err
	}
	if _, ok := before.Get(topo.Primary.Address); !ok {
		return Verdict{}, primaryUnreachable(PhaseBefore, topo.Primary.Address, before)
	}
	h.warnFailures(log, before)

	burstCtx, burstSpan := h.tracer.Start(ctx, "replbench.burst")
	burst, err := h.burst.Run(burstCtx, topo, workerCount, h.opts.BurstDuration, h.writer)
	burstSpan.SetAttributes(
		attribute.Int64("replbench.records_acknowledged", burst.RecordsAcknowledged),
		attribute.Bool("replbench.aborted", burst.Aborted),
	)
	burstSpan.End()
	if err != nil {
		return Verdict{}, fmt.Errorf("burst: %w", err)
	}
	if err := ledger.observe(burst.AfterBurst); err != nil {
		return Verdict{}, err
	}
	h.warnFailures(log, burst.AfterBurst)
	log.Info("burst finished",
		"elapsed", burst.Elapsed(),
		"primary_records", burst.PrimaryRecordCountAtEnd,
		"batches", burst.Batches,
		"write_errors", len(burst.WriteErrors),
	)

	waiter := NewCatchupWaiter(h.sampler, h.opts.Clock, h.opts.PollInterval, log)
	waiter.onSample = ledger.observe
	catchCtx, catchSpan := h.tracer.Start(ctx, "replbench.catchup")
	conv, err := waiter.waitUntil(catchCtx, burst.PrimaryRecordCountAtEnd, topo.Replicas, burst.EndedAt.Add(h.opts.ConvergenceTimeout))
	catchSpan.SetAttributes(
		attribute.Int("replbench.polls", conv.Polls),
		attribute.Bool("replbench.timed_out", conv.TimedOut),
	)
	catchSpan.End()
	if err != nil {
		return Verdict{}, fmt.Errorf("catchup: %w", err)
	}
	if conv.TimedOut {
		log.Warn("replicas did not converge", "target", conv.Target, "best_min", conv.MinReplicaRecordCountObserved, "unknown", conv.Unknown)
	} else {
		log.Info("replicas converged", "after", conv.ConvergedAt.Sub(burst.EndedAt), "polls", conv.Polls)
	}

	after, err := h.resolve(ctx, PhaseVerify)
	if err != nil {
		return Verdict{}, err
	}
	if after.Primary.Address != topo.Primary.Address {
		return Verdict{}, &TopologyError{
			Phase:     PhaseVerify,
			Reason:    "primary changed during evaluation",
			Primaries: []string{topo.Primary.Address, after.Primary.Address},
		}
	}

	_, evalSpan := h.tracer.Start(ctx, "replbench.evaluate.verdict")
	v, err = h.evaluator.Evaluate(topo, before, burst, conv)
	evalSpan.End()
	if err != nil {
		return Verdict{}, err
	}
	log.Info("verdict",
		"primary_throughput", v.PrimaryThroughput.String(),
		"min_replica_throughput", v.BurstPhaseMinReplicaThroughput.String(),
		"overall_ratio", v.OverallThroughputRatio.String(),
		"passed", v.Passed,
	)
	return v, nil
}

func (h *Harness) resolve(ctx context.Context, phase Phase) (Topology, error) {
	ctx, span := h.tracer.Start(ctx, "replbench.resolve", trace.WithAttributes(attribute.String("replbench.phase", string(phase))))
	defer span.End()
	topo, err := h.topology.resolve(ctx, phase)
	if err != nil {
		return Topology{}, err
	}
	if len(topo.Replicas) == 0 {
		return Topology{}, &TopologyError{Phase: phase, Reason: "cluster has no replicas"}
	}
	return topo, nil
}

func (h *Harness) sample(ctx context.Context, phase Phase, nodes []Node) Snapshot {
	ctx, span := h.tracer.Start(ctx, "replbench.sample", trace.WithAttributes(attribute.String("replbench.phase", string(phase))))
	defer span.End()
	snap := h.sampler.Sample(ctx, phase, nodes)
	span.SetAttributes(attribute.Int("replbench.failures", len(snap.Failures)))
	return snap
}

func (h *Harness) warnFailures(log *slog.Logger, snap Snapshot) {
	for _, addr := range snap.FailedNodes() {
		log.Warn("node excluded from snapshot", "node", addr, "phase", snap.Phase, "error", snap.Failures[addr].Err)
	}
}
