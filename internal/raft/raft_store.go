package raft

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
)

type raftStore interface {
	raft.LogStore
	raft.StableStore
	io.Closer
}

// inmemRaftStore adapts raft.InmemStore to raftStore.
type inmemRaftStore struct {
	*raft.InmemStore
}

func (inmemRaftStore) Close() error { return nil }

func openRaftStore(raftDir string, backend string, noSync bool) (raftStore, error) {
	switch backend {
	case "bolt":
		store, err := raftboltdb.New(raftboltdb.Options{
			Path:   filepath.Join(raftDir, "raft.db"),
			NoSync: noSync,
		})
		if err != nil {
			return nil, fmt.Errorf("create bolt raft store: %w", err)
		}
		return store, nil
	case "pebble":
		return openPebbleLogStore(filepath.Join(raftDir, "pebble"), noSync)
	case "badger":
		return openBadgerLogStore(filepath.Join(raftDir, "badger"), noSync)
	case "inmem":
		return inmemRaftStore{raft.NewInmemStore()}, nil
	default:
		return nil, fmt.Errorf("unsupported raft log store %q (expected bolt, pebble, badger or inmem)", backend)
	}
}
