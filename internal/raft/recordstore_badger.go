package raft

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var (
	badgerRecordPrefix = []byte("r|")
	badgerStoredKey    = []byte("m|stored")
)

type badgerRecordStore struct {
	db *badger.DB
}

func openBadgerRecordStore(dir string, noSync bool) (*badgerRecordStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = !noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger record store: %w", err)
	}
	s := &badgerRecordStore{db: db}
	if err := s.Reset(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Append writes one batch in a single transaction. A batch larger than
// badger's transaction limit fails with badger.ErrTxnTooBig.
func (s *badgerRecordStore) Append(index uint64, docs [][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		stored, err := badgerStored(txn)
		if err != nil {
			return err
		}
		for i, d := range docs {
			if err := txn.Set(recordKey(badgerRecordPrefix, index, i), d); err != nil {
				return err
			}
		}
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(stored)+uint64(len(docs)))
		return txn.Set(badgerStoredKey, v[:])
	})
}

func badgerStored(txn *badger.Txn) (int64, error) {
	item, err := txn.Get(badgerStoredKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(v []byte) error {
		n = int64(binary.BigEndian.Uint64(v))
		return nil
	})
	return n, err
}

func (s *badgerRecordStore) Stored() (int64, error) {
	var n int64
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = badgerStored(txn)
		return err
	})
	return n, err
}

func (s *badgerRecordStore) Reset() error {
	return s.db.DropAll()
}

func (s *badgerRecordStore) Close() error {
	return s.db.Close()
}
