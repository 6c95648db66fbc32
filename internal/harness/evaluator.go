package harness

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"
)

// Metric is a derived number that may be undefined, e.g. a rate over an
// empty interval. Undefined metrics encode as JSON null, never as zero.
type Metric struct {
	Value   float64
	Defined bool
}

func defined(v float64) Metric { return Metric{Value: v, Defined: true} }

func (m Metric) MarshalJSON() ([]byte, error) {
	if !m.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

func (m *Metric) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*m = Metric{}
		return nil
	}
	if err := json.Unmarshal(b, &m.Value); err != nil {
		return err
	}
	m.Defined = true
	return nil
}

func (m Metric) String() string {
	if !m.Defined {
		return "undefined"
	}
	return fmt.Sprintf("%.2f", m.Value)
}

// rate returns records per second over d, undefined when d is not positive.
func rate(records int64, d time.Duration) Metric {
	if d <= 0 {
		return Metric{}
	}
	return defined(float64(records) / d.Seconds())
}

// AnnotationKind classifies a recoverable problem recorded on a verdict.
type AnnotationKind string

const (
	AnnotationMissingSample AnnotationKind = "missing-sample"
	AnnotationWriteFailed   AnnotationKind = "write-failed"
	AnnotationBurstAborted  AnnotationKind = "burst-aborted"
)

// Annotation is a recoverable error attached to a verdict.
type Annotation struct {
	Kind    AnnotationKind `json:"kind"`
	Phase   Phase          `json:"phase"`
	Node    string         `json:"node,omitempty"`
	Message string         `json:"message"`
}

// FailReason explains why a verdict did not pass.
type FailReason string

const (
	FailSlowReplication    FailReason = "slow-replication"
	FailConvergenceTimeout FailReason = "convergence-timeout"
	FailMissingSamples     FailReason = "missing-samples"
	FailUndefinedPrimary   FailReason = "undefined-primary-throughput"
)

// ReplicaReport is one replica's progress across the burst window.
type ReplicaReport struct {
	Address         string `json:"address"`
	Known           bool   `json:"known"`
	BeforeCount     int64  `json:"before_count"`
	AfterBurstCount int64  `json:"after_burst_count"`
	// LagRecords is how far the replica trailed the primary at burst end.
	LagRecords int64  `json:"lag_records"`
	Throughput Metric `json:"throughput"`
}

// Verdict is the read-only outcome of one evaluation level. Every computed
// figure is kept, including ones that did not decide Passed.
type Verdict struct {
	RunID       string  `json:"run_id"`
	WorkerCount int     `json:"worker_count"`
	Threshold   float64 `json:"threshold"`

	PrimaryThroughput              Metric `json:"primary_throughput"`
	BurstPhaseMinReplicaThroughput Metric `json:"min_replica_throughput"`
	SlowestReplica                 string `json:"slowest_replica,omitempty"`
	OverallThroughputRatio         Metric `json:"overall_ratio"`
	OverallReplicaThroughput       Metric `json:"overall_replica_throughput"`
	OverallPassed                  bool   `json:"overall_passed"`
	BurstPhasePassed               bool   `json:"burst_phase_passed"`
	Passed                         bool   `json:"passed"`

	TimedOut            bool           `json:"timed_out"`
	BurstDuration       time.Duration  `json:"burst_duration"`
	ConvergenceDuration time.Duration  `json:"convergence_duration,omitempty"`
	RecordsWritten      int64          `json:"records_written"`
	RecordsAcknowledged int64          `json:"records_acknowledged"`
	Latency             LatencySummary `json:"latency"`

	Replicas    []ReplicaReport `json:"replicas"`
	Annotations []Annotation    `json:"annotations,omitempty"`
	FailReasons []FailReason    `json:"fail_reasons,omitempty"`
}

// ThroughputEvaluator turns snapshots and burst timing into a verdict.
type ThroughputEvaluator struct {
	threshold float64
}

// NewThroughputEvaluator returns an evaluator that tolerates the slowest
// replica running at no less than threshold times the primary's rate.
func NewThroughputEvaluator(threshold float64) (*ThroughputEvaluator, error) {
	if threshold <= 0 || threshold > 1 || math.IsNaN(threshold) {
		return nil, fmt.Errorf("throughput threshold must be in (0,1], got %g", threshold)
	}
	return &ThroughputEvaluator{threshold: threshold}, nil
}

// Evaluate computes the verdict. It fails with *EvaluationError when a
// node's count at burst end is lower than before the burst.
func (e *ThroughputEvaluator) Evaluate(topo Topology, before Snapshot, burst BurstResult, conv ConvergenceResult) (Verdict, error) {
	v := Verdict{
		WorkerCount:         burst.WorkerCount,
		Threshold:           e.threshold,
		TimedOut:            !conv.Converged(),
		BurstDuration:       burst.Elapsed(),
		RecordsAcknowledged: burst.RecordsAcknowledged,
		Latency:             burst.Latency,
	}

	primary := topo.Primary.Address
	beforePrimary, ok := before.Get(primary)
	if !ok {
		return v, fmt.Errorf("evaluate: before snapshot has no sample for primary %s", primary)
	}
	if beforePrimary.RecordCount > burst.PrimaryRecordCountAtEnd {
		return v, &EvaluationError{
			Phase:  PhaseEvaluate,
			Node:   primary,
			Before: beforePrimary.RecordCount,
			After:  burst.PrimaryRecordCountAtEnd,
		}
	}
	v.RecordsWritten = burst.PrimaryRecordCountAtEnd - beforePrimary.RecordCount
	v.PrimaryThroughput = rate(v.RecordsWritten, burst.Elapsed())

	var beforeMin int64
	var beforeMinKnown bool
	missing := false
	for _, r := range topo.Replicas {
		rep := ReplicaReport{Address: r.Address}
		b, okBefore := before.Get(r.Address)
		a, okAfter := burst.AfterBurst.Get(r.Address)
		if okBefore && (!beforeMinKnown || b.RecordCount < beforeMin) {
			beforeMin = b.RecordCount
			beforeMinKnown = true
		}
		if !okBefore || !okAfter {
			missing = true
			phase := PhaseBefore
			if okBefore {
				phase = PhaseAfterBurst
			}
			v.Annotations = append(v.Annotations, Annotation{
				Kind:    AnnotationMissingSample,
				Phase:   phase,
				Node:    r.Address,
				Message: "replica excluded from burst-phase throughput",
			})
			v.Replicas = append(v.Replicas, rep)
			continue
		}
		if b.RecordCount > a.RecordCount {
			return v, &EvaluationError{Phase: PhaseEvaluate, Node: r.Address, Before: b.RecordCount, After: a.RecordCount}
		}
		rep.Known = true
		rep.BeforeCount = b.RecordCount
		rep.AfterBurstCount = a.RecordCount
		rep.LagRecords = burst.PrimaryRecordCountAtEnd - a.RecordCount
		rep.Throughput = rate(a.RecordCount-b.RecordCount, a.ObservedAt.Sub(burst.StartedAt))
		v.Replicas = append(v.Replicas, rep)

		if rep.Throughput.Defined && (!v.BurstPhaseMinReplicaThroughput.Defined || rep.Throughput.Value < v.BurstPhaseMinReplicaThroughput.Value) {
			v.BurstPhaseMinReplicaThroughput = rep.Throughput
			v.SlowestReplica = r.Address
		}
	}
	sort.Slice(v.Replicas, func(i, j int) bool { return v.Replicas[i].Address < v.Replicas[j].Address })

	for _, werr := range burst.WriteErrors {
		v.Annotations = append(v.Annotations, Annotation{
			Kind:    AnnotationWriteFailed,
			Phase:   PhaseBurst,
			Node:    werr.Node,
			Message: werr.Error(),
		})
	}
	if burst.Aborted {
		msg := "burst aborted"
		if burst.AbortCause != nil {
			msg = burst.AbortCause.Error()
		}
		v.Annotations = append(v.Annotations, Annotation{Kind: AnnotationBurstAborted, Phase: PhaseBurst, Message: msg})
	}
	for _, serr := range conv.SampleErrors {
		v.Annotations = append(v.Annotations, Annotation{
			Kind:    AnnotationMissingSample,
			Phase:   serr.Phase,
			Node:    serr.Node,
			Message: serr.Err.Error(),
		})
	}

	burstWindow := burst.Elapsed()
	if conv.Converged() {
		v.ConvergenceDuration = conv.ConvergedAt.Sub(burst.StartedAt)
		if v.ConvergenceDuration > 0 {
			v.OverallThroughputRatio = defined(burstWindow.Seconds() / v.ConvergenceDuration.Seconds())
		}
		if beforeMinKnown {
			v.OverallReplicaThroughput = rate(conv.Target-beforeMin, v.ConvergenceDuration)
		}
		v.OverallPassed = v.OverallThroughputRatio.Defined && meetsThreshold(v.OverallThroughputRatio.Value, 1, e.threshold)
	} else if conv.MinObserved && beforeMinKnown {
		// Lower bound from the best progress seen before giving up.
		v.OverallReplicaThroughput = rate(conv.MinReplicaRecordCountObserved-beforeMin, conv.LastPolledAt.Sub(burst.StartedAt))
	}

	v.BurstPhasePassed = v.PrimaryThroughput.Defined &&
		v.BurstPhaseMinReplicaThroughput.Defined &&
		meetsThreshold(v.BurstPhaseMinReplicaThroughput.Value, v.PrimaryThroughput.Value, e.threshold)
	v.Passed = v.BurstPhasePassed && !v.TimedOut

	if !v.PrimaryThroughput.Defined {
		v.FailReasons = append(v.FailReasons, FailUndefinedPrimary)
	}
	if v.PrimaryThroughput.Defined && v.BurstPhaseMinReplicaThroughput.Defined && !v.BurstPhasePassed {
		v.FailReasons = append(v.FailReasons, FailSlowReplication)
	}
	if missing || len(conv.Unknown) > 0 {
		v.FailReasons = append(v.FailReasons, FailMissingSamples)
	}
	if v.TimedOut {
		v.FailReasons = append(v.FailReasons, FailConvergenceTimeout)
	}
	if v.Passed {
		v.FailReasons = nil
	}
	return v, nil
}

// meetsThreshold reports observed >= threshold*reference, allowing for
// float rounding so that an exact boundary value passes.
func meetsThreshold(observed, reference, threshold float64) bool {
	want := threshold * reference
	eps := 1e-9 * math.Max(1, math.Abs(want))
	return observed+eps >= want
}
