package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// Log keys are logKeyPrefix followed by the big-endian index, so key order
// is index order. Stable keys are stableKeyPrefix followed by the raft key.
const (
	logKeyPrefix    byte = 'l'
	stableKeyPrefix byte = 's'

	logEntryVersion = 1
	deleteChunk     = 1024
)

var errCorruptLogEntry = errors.New("raft log entry: corrupt encoding")

// orderedKV is the slice of an ordered key/value engine the log store needs.
type orderedKV interface {
	get(key []byte) ([]byte, bool, error)
	write(puts []kvPair, dels [][]byte) error
	firstKey(prefix byte) ([]byte, bool, error)
	lastKey(prefix byte) ([]byte, bool, error)
	Close() error
}

type kvPair struct {
	key, val []byte
}

// kvLogStore implements raft.LogStore and raft.StableStore on an orderedKV.
type kvLogStore struct {
	kv orderedKV
}

func logKeyOf(index uint64) []byte {
	k := make([]byte, 9)
	k[0] = logKeyPrefix
	binary.BigEndian.PutUint64(k[1:], index)
	return k
}

func stableKeyOf(key []byte) []byte {
	return append([]byte{stableKeyPrefix}, key...)
}

func indexOf(key []byte) uint64 {
	if len(key) != 9 {
		return 0
	}
	return binary.BigEndian.Uint64(key[1:])
}

func (s *kvLogStore) FirstIndex() (uint64, error) {
	k, ok, err := s.kv.firstKey(logKeyPrefix)
	if err != nil || !ok {
		return 0, err
	}
	return indexOf(k), nil
}

func (s *kvLogStore) LastIndex() (uint64, error) {
	k, ok, err := s.kv.lastKey(logKeyPrefix)
	if err != nil || !ok {
		return 0, err
	}
	return indexOf(k), nil
}

func (s *kvLogStore) GetLog(index uint64, out *raft.Log) error {
	v, ok, err := s.kv.get(logKeyOf(index))
	if err != nil {
		return err
	}
	if !ok {
		return raft.ErrLogNotFound
	}
	return decodeLogEntry(v, out)
}

func (s *kvLogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

func (s *kvLogStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	puts := make([]kvPair, len(logs))
	for i, l := range logs {
		puts[i] = kvPair{key: logKeyOf(l.Index), val: encodeLogEntry(l)}
	}
	return s.kv.write(puts, nil)
}

// DeleteRange removes [min, max] in bounded chunks.
func (s *kvLogStore) DeleteRange(min, max uint64) error {
	dels := make([][]byte, 0, deleteChunk)
	for i := min; i <= max; i++ {
		dels = append(dels, logKeyOf(i))
		if len(dels) == deleteChunk {
			if err := s.kv.write(nil, dels); err != nil {
				return err
			}
			dels = dels[:0]
		}
		if i == ^uint64(0) {
			break
		}
	}
	if len(dels) == 0 {
		return nil
	}
	return s.kv.write(nil, dels)
}

func (s *kvLogStore) Set(key, val []byte) error {
	return s.kv.write([]kvPair{{key: stableKeyOf(key), val: val}}, nil)
}

// Get returns an empty value for a missing key, which raft treats as unset.
func (s *kvLogStore) Get(key []byte) ([]byte, error) {
	v, ok, err := s.kv.get(stableKeyOf(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return []byte{}, nil
	}
	return v, nil
}

func (s *kvLogStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return s.Set(key, buf[:])
}

func (s *kvLogStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	switch len(v) {
	case 0:
		return 0, nil
	case 8:
		return binary.BigEndian.Uint64(v), nil
	}
	return 0, fmt.Errorf("stable key %q: value is %d bytes, want 8", key, len(v))
}

func (s *kvLogStore) Close() error {
	return s.kv.Close()
}

// encodeLogEntry frames a raft log as: version, uvarint index, uvarint term,
// type byte, uvarint-prefixed data, uvarint-prefixed extensions, varint
// appended-at unix nanos (zero when unset).
func encodeLogEntry(l *raft.Log) []byte {
	buf := make([]byte, 0, 1+3*binary.MaxVarintLen64+1+2*binary.MaxVarintLen64+len(l.Data)+len(l.Extensions))
	buf = append(buf, logEntryVersion)
	buf = binary.AppendUvarint(buf, l.Index)
	buf = binary.AppendUvarint(buf, l.Term)
	buf = append(buf, byte(l.Type))
	buf = binary.AppendUvarint(buf, uint64(len(l.Data)))
	buf = append(buf, l.Data...)
	buf = binary.AppendUvarint(buf, uint64(len(l.Extensions)))
	buf = append(buf, l.Extensions...)
	var appended int64
	if !l.AppendedAt.IsZero() {
		appended = l.AppendedAt.UnixNano()
	}
	return binary.AppendVarint(buf, appended)
}

func decodeLogEntry(data []byte, out *raft.Log) error {
	if len(data) == 0 || data[0] != logEntryVersion {
		return errCorruptLogEntry
	}
	p := data[1:]
	uv := func() (uint64, bool) {
		v, n := binary.Uvarint(p)
		if n <= 0 {
			return 0, false
		}
		p = p[n:]
		return v, true
	}
	bytesField := func() ([]byte, bool) {
		n, ok := uv()
		if !ok || n > uint64(len(p)) {
			return nil, false
		}
		b := append([]byte(nil), p[:n]...)
		p = p[n:]
		return b, true
	}

	var l raft.Log
	var ok bool
	if l.Index, ok = uv(); !ok {
		return errCorruptLogEntry
	}
	if l.Term, ok = uv(); !ok {
		return errCorruptLogEntry
	}
	if len(p) == 0 {
		return errCorruptLogEntry
	}
	l.Type = raft.LogType(p[0])
	p = p[1:]
	if l.Data, ok = bytesField(); !ok {
		return errCorruptLogEntry
	}
	if l.Extensions, ok = bytesField(); !ok {
		return errCorruptLogEntry
	}
	appended, n := binary.Varint(p)
	if n <= 0 || n != len(p) {
		return errCorruptLogEntry
	}
	if appended != 0 {
		l.AppendedAt = time.Unix(0, appended)
	}
	*out = l
	return nil
}

// pebbleKV backs the log store with pebble.
type pebbleKV struct {
	db   *pebble.DB
	sync *pebble.WriteOptions
}

func openPebbleLogStore(dir string, noSync bool) (*kvLogStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:          16 << 20,
		L0CompactionThreshold: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble raft store: %w", err)
	}
	kv := &pebbleKV{db: db, sync: pebble.Sync}
	if noSync {
		kv.sync = pebble.NoSync
	}
	return &kvLogStore{kv: kv}, nil
}

func (p *pebbleKV) get(key []byte) ([]byte, bool, error) {
	v, closer, err := p.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), true, nil
}

func (p *pebbleKV) write(puts []kvPair, dels [][]byte) error {
	b := p.db.NewBatch()
	defer b.Close()
	for _, kv := range puts {
		if err := b.Set(kv.key, kv.val, nil); err != nil {
			return err
		}
	}
	for _, k := range dels {
		if err := b.Delete(k, nil); err != nil {
			return err
		}
	}
	return b.Commit(p.sync)
}

func (p *pebbleKV) bound(prefix byte, last bool) ([]byte, bool, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{prefix},
		UpperBound: []byte{prefix + 1},
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()
	var ok bool
	if last {
		ok = iter.Last()
	} else {
		ok = iter.First()
	}
	if !ok {
		return nil, false, iter.Error()
	}
	return append([]byte(nil), iter.Key()...), true, nil
}

func (p *pebbleKV) firstKey(prefix byte) ([]byte, bool, error) { return p.bound(prefix, false) }
func (p *pebbleKV) lastKey(prefix byte) ([]byte, bool, error)  { return p.bound(prefix, true) }
func (p *pebbleKV) Close() error                                { return p.db.Close() }

// badgerKV backs the log store with badger.
type badgerKV struct {
	db *badger.DB
}

func openBadgerLogStore(dir string, noSync bool) (*kvLogStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = !noSync
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger raft store: %w", err)
	}
	return &kvLogStore{kv: &badgerKV{db: db}}, nil
}

func (b *badgerKV) get(key []byte) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// write uses a WriteBatch, which splits work across transactions as needed.
func (b *badgerKV) write(puts []kvPair, dels [][]byte) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, kv := range puts {
		if err := wb.Set(kv.key, kv.val); err != nil {
			return err
		}
	}
	for _, k := range dels {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *badgerKV) bound(prefix byte, last bool) ([]byte, bool, error) {
	var key []byte
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte{prefix}
		opts.Reverse = last
		it := txn.NewIterator(opts)
		defer it.Close()
		if last {
			it.Seek([]byte{prefix, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
		} else {
			it.Rewind()
		}
		if it.Valid() {
			key = it.Item().KeyCopy(nil)
		}
		return nil
	})
	return key, key != nil, err
}

func (b *badgerKV) firstKey(prefix byte) ([]byte, bool, error) { return b.bound(prefix, false) }
func (b *badgerKV) lastKey(prefix byte) ([]byte, bool, error)  { return b.bound(prefix, true) }
func (b *badgerKV) Close() error                                { return b.db.Close() }
