package raft

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/raft"
)

var snapshotMagic = []byte{0x52, 0x53, 0x31} // "RS1"

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	records int64
	applied uint64
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	buf := make([]byte, 0, len(snapshotMagic)+16)
	buf = append(buf, snapshotMagic...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(s.records))
	buf = binary.BigEndian.AppendUint64(buf, s.applied)
	if _, err := sink.Write(buf); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

func readSnapshot(r io.Reader) (*fsmSnapshot, error) {
	buf := make([]byte, len(snapshotMagic)+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if string(buf[:len(snapshotMagic)]) != string(snapshotMagic) {
		return nil, fmt.Errorf("read snapshot: bad magic %x", buf[:len(snapshotMagic)])
	}
	p := buf[len(snapshotMagic):]
	return &fsmSnapshot{
		records: int64(binary.BigEndian.Uint64(p)),
		applied: binary.BigEndian.Uint64(p[8:]),
	}, nil
}
