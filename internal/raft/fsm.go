package raft

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
)

// ApplyResult is the FSM response to one committed batch.
type ApplyResult struct {
	Records int
	Err     error
}

// FSM implements raft.FSM. Each log entry is one encoded batch of documents;
// applying it appends the documents to the record store and advances the
// record count that progress sampling reads.
type FSM struct {
	store   RecordStore
	records atomic.Int64
	applied atomic.Uint64
	bytes   atomic.Int64

	// delay reports how long to stall before applying; it lets a follower
	// be made artificially slow.
	delay func() time.Duration
}

// NewFSM creates an FSM over store.
func NewFSM(store RecordStore) *FSM {
	return &FSM{store: store}
}

// SetDelay installs the per-apply stall. It must be called before the FSM is
// handed to raft.
func (f *FSM) SetDelay(fn func() time.Duration) {
	f.delay = fn
}

// Apply implements raft.FSM.
func (f *FSM) Apply(log *raft.Log) interface{} {
	if log.Type != raft.LogCommand {
		return nil
	}
	docs, err := decodeBatch(log.Data)
	if err != nil {
		return &ApplyResult{Err: fmt.Errorf("decode batch at %d: %w", log.Index, err)}
	}
	if f.delay != nil {
		if d := f.delay(); d > 0 {
			time.Sleep(d)
		}
	}
	if err := f.store.Append(log.Index, docs); err != nil {
		return &ApplyResult{Err: fmt.Errorf("append batch at %d: %w", log.Index, err)}
	}
	var size int64
	for _, d := range docs {
		size += int64(len(d))
	}
	f.bytes.Add(size)
	f.records.Add(int64(len(docs)))
	f.applied.Store(log.Index)
	return &ApplyResult{Records: len(docs)}
}

// RecordCount returns the number of records applied on this node.
func (f *FSM) RecordCount() int64 {
	return f.records.Load()
}

// AppliedIndex returns the raft index of the last applied batch.
func (f *FSM) AppliedIndex() uint64 {
	return f.applied.Load()
}

// BytesApplied returns the payload bytes applied since start.
func (f *FSM) BytesApplied() int64 {
	return f.bytes.Load()
}

// Snapshot implements raft.FSM. Documents are a write-only payload, so a
// snapshot carries only the counters.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return &fsmSnapshot{records: f.records.Load(), applied: f.applied.Load()}, nil
}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	snap, err := readSnapshot(rc)
	if err != nil {
		return err
	}
	if err := f.store.Reset(); err != nil {
		return fmt.Errorf("reset record store: %w", err)
	}
	f.records.Store(snap.records)
	f.applied.Store(snap.applied)
	f.bytes.Store(0)
	return nil
}

// Close closes the record store.
func (f *FSM) Close() error {
	return f.store.Close()
}
