package harness

import "sync"

// progressLedger remembers the latest count seen per node during one
// evaluation and rejects any sample that is lower than its predecessor.
type progressLedger struct {
	mu   sync.Mutex
	last map[string]ProgressSnapshot
}

func newProgressLedger() *progressLedger {
	return &progressLedger{last: make(map[string]ProgressSnapshot)}
}

func (l *progressLedger) observe(snap Snapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, p := range snap.Progress {
		if prev, ok := l.last[addr]; ok && p.RecordCount < prev.RecordCount {
			return &EvaluationError{Phase: snap.Phase, Node: addr, Before: prev.RecordCount, After: p.RecordCount}
		}
		l.last[addr] = p
	}
	return nil
}
