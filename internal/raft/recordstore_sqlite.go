package raft

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const recordSchema = `
CREATE TABLE IF NOT EXISTS records (
    raft_index INTEGER NOT NULL,
    pos        INTEGER NOT NULL,
    doc        BLOB NOT NULL,
    PRIMARY KEY (raft_index, pos)
) WITHOUT ROWID;
`

type sqliteRecordStore struct {
	db *sql.DB
}

func openSQLiteRecordStore(path string) (*sqliteRecordStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// A single writer connection; the FSM applies serially anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=OFF",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(recordSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records schema: %w", err)
	}
	s := &sqliteRecordStore{db: db}
	if err := s.Reset(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteRecordStore) Append(index uint64, docs [][]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.Prepare("INSERT INTO records (raft_index, pos, doc) VALUES (?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, d := range docs {
		if _, err := stmt.Exec(int64(index), i, d); err != nil {
			return fmt.Errorf("insert record %d/%d: %w", index, i, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteRecordStore) Stored() (int64, error) {
	var n int64
	err := s.db.QueryRow("SELECT COUNT(*) FROM records").Scan(&n)
	return n, err
}

func (s *sqliteRecordStore) Reset() error {
	_, err := s.db.Exec("DELETE FROM records")
	return err
}

func (s *sqliteRecordStore) Close() error {
	return s.db.Close()
}
