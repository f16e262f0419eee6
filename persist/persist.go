// Package persist optionally stores dead-node backoff state in SQLite so
// that a NodePool's liveness view survives process restarts. A transport
// run without persistence configured keeps exactly the same in-memory
// behavior; this package only adds a side channel the pool can be primed
// from and written back to.
package persist

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pquentin/elastic-transport-go/node"
)

// DeadRecord is one node's backoff bookkeeping as of the last write.
type DeadRecord struct {
	NodeHash     string
	DueAt        time.Time
	FailureCount int
}

// Store persists DeadRecords keyed by node.Config.Hash().
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a SQLite database at path and runs
// migrations. Callers should Close the returned Store when done.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("persist: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_nodes (
			node_hash     TEXT PRIMARY KEY,
			due_at        INTEGER NOT NULL,
			failure_count INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

// MarkDead upserts a node's backoff record. Called from a NodePool's
// MarkDead when persistence is wired in.
func (s *Store) MarkDead(cfg node.Config, dueAt time.Time, failureCount int) error {
	_, err := s.db.Exec(
		`INSERT INTO dead_nodes (node_hash, due_at, failure_count)
		 VALUES (?, ?, ?)
		 ON CONFLICT(node_hash) DO UPDATE SET due_at = excluded.due_at, failure_count = excluded.failure_count`,
		cfg.Hash(), dueAt.Unix(), failureCount,
	)
	return err
}

// MarkLive removes a node's backoff record. Called from a NodePool's
// MarkLive when persistence is wired in; resurrection inside Pool.Get
// leaves the record in place.
func (s *Store) MarkLive(cfg node.Config) error {
	_, err := s.db.Exec(`DELETE FROM dead_nodes WHERE node_hash = ?`, cfg.Hash())
	return err
}

// LoadAll returns every stored dead-node record, for priming a NodePool's
// dead queue at startup.
func (s *Store) LoadAll() ([]DeadRecord, error) {
	rows, err := s.db.Query(`SELECT node_hash, due_at, failure_count FROM dead_nodes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeadRecord
	for rows.Next() {
		var rec DeadRecord
		var dueUnix int64
		if err := rows.Scan(&rec.NodeHash, &dueUnix, &rec.FailureCount); err != nil {
			return nil, err
		}
		rec.DueAt = time.Unix(dueUnix, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
