package raft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
)

var (
	pebbleRecordPrefix = []byte("r|")
	pebbleStoredKey    = []byte("m|stored")
)

type pebbleRecordStore struct {
	db     *pebble.DB
	noSync bool
}

func openPebbleRecordStore(dir string, noSync bool) (*pebbleRecordStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          32 << 20,
		L0CompactionThreshold: 8,
		L0StopWritesThreshold: 24,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble record store: %w", err)
	}
	s := &pebbleRecordStore{db: db, noSync: noSync}
	if err := s.Reset(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *pebbleRecordStore) syncOpt() *pebble.WriteOptions {
	if s.noSync {
		return pebble.NoSync
	}
	return pebble.Sync
}

func (s *pebbleRecordStore) Append(index uint64, docs [][]byte) error {
	stored, err := s.Stored()
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	for i, d := range docs {
		if err := b.Set(recordKey(pebbleRecordPrefix, index, i), d, nil); err != nil {
			return err
		}
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(stored)+uint64(len(docs)))
	if err := b.Set(pebbleStoredKey, v[:], nil); err != nil {
		return err
	}
	return b.Commit(s.syncOpt())
}

func (s *pebbleRecordStore) Stored() (int64, error) {
	v, closer, err := s.db.Get(pebbleStoredKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return int64(binary.BigEndian.Uint64(v)), nil
}

// Reset clears the keyspace with one range tombstone.
func (s *pebbleRecordStore) Reset() error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange([]byte{0x00}, []byte{0xff}, nil); err != nil {
		return fmt.Errorf("delete range pebble: %w", err)
	}
	return b.Commit(pebble.Sync)
}

func (s *pebbleRecordStore) Close() error {
	return s.db.Close()
}
