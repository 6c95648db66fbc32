package raft

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
)

// RecordStore persists the documents of applied batches. The raft log and
// snapshots are the source of truth, so a store is wiped on open and only
// holds what this process applied.
type RecordStore interface {
	// Append stores the documents of the batch committed at raft index.
	Append(index uint64, docs [][]byte) error
	// Stored returns how many documents the store holds.
	Stored() (int64, error)
	// Reset drops every document.
	Reset() error
	Close() error
}

func openRecordStore(dataDir, backend string, noSync bool) (RecordStore, error) {
	switch backend {
	case "", "memory":
		return &memoryRecordStore{}, nil
	case "pebble":
		return openPebbleRecordStore(filepath.Join(dataDir, "pebble"), noSync)
	case "badger":
		return openBadgerRecordStore(filepath.Join(dataDir, "badger"), noSync)
	case "sqlite":
		return openSQLiteRecordStore(filepath.Join(dataDir, "records.db"))
	default:
		return nil, fmt.Errorf("unsupported record store %q (expected memory, pebble, badger or sqlite)", backend)
	}
}

// recordKey orders documents by raft index then position in the batch.
func recordKey(prefix []byte, index uint64, pos int) []byte {
	k := make([]byte, len(prefix)+12)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], index)
	binary.BigEndian.PutUint32(k[len(prefix)+8:], uint32(pos))
	return k
}

// memoryRecordStore keeps only counts and payload size.
type memoryRecordStore struct {
	mu     sync.Mutex
	stored int64
	bytes  int64
}

func (s *memoryRecordStore) Append(_ uint64, docs [][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored += int64(len(docs))
	for _, d := range docs {
		s.bytes += int64(len(d))
	}
	return nil
}

func (s *memoryRecordStore) Stored() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored, nil
}

func (s *memoryRecordStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored, s.bytes = 0, 0
	return nil
}

func (s *memoryRecordStore) Close() error { return nil }
