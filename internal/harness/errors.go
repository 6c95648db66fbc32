package harness

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNodeUnreachable marks a failure to contact a node at all.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrNotPrimary marks a write rejected because the node is no longer primary.
	ErrNotPrimary = errors.New("node is not primary")
)

// TopologyError means the cluster did not present exactly one reachable
// primary. It aborts the evaluation.
type TopologyError struct {
	Phase     Phase
	Reason    string
	Primaries []string
	Err       error
}

func (e *TopologyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "topology (%s): %s", e.Phase, e.Reason)
	if len(e.Primaries) > 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(e.Primaries, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TopologyError) Unwrap() error { return e.Err }

// primaryUnreachable is the fatal error for a primary missing from snap.
func primaryUnreachable(phase Phase, primary string, snap Snapshot) *TopologyError {
	terr := &TopologyError{
		Phase:     phase,
		Reason:    "primary unreachable",
		Primaries: []string{primary},
	}
	if serr := snap.Failures[primary]; serr != nil {
		terr.Err = serr
	}
	return terr
}

// SampleError records one node that could not be sampled. On its own it is
// recoverable: the node is treated as unknown for that round.
type SampleError struct {
	Phase Phase
	Node  string
	Err   error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s (%s): %v", e.Node, e.Phase, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }

// WriteError records a worker whose write failed. The worker stops; the
// rest of the burst continues unless the failure is irrecoverable.
type WriteError struct {
	Worker int
	Node   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("worker %d write to %s: %v", e.Worker, e.Node, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// EvaluationError reports a record count that went backwards for a node.
// It indicates a topology change or data loss and aborts the evaluation.
type EvaluationError struct {
	Phase  Phase
	Node   string
	Before int64
	After  int64
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("non-monotonic progress on %s (%s): %d -> %d", e.Node, e.Phase, e.Before, e.After)
}

// IsIrrecoverableWrite reports whether a write failure should abort the
// whole burst rather than only the worker that saw it.
func IsIrrecoverableWrite(err error) bool {
	return errors.Is(err, ErrNodeUnreachable) || errors.Is(err, ErrNotPrimary)
}

// IsFatal reports whether err aborts an evaluation.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var te *TopologyError
	var ee *EvaluationError
	return errors.As(err, &te) || errors.As(err, &ee)
}
