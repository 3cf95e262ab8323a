// Package sqlite implements the checkpoint store on an embedded SQLite
// database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/querybatch/internal/storage"
	"github.com/ChuLiYu/querybatch/pkg/types"

	_ "modernc.org/sqlite"
)

const createCheckpointsTable = `
CREATE TABLE IF NOT EXISTS checkpoints (
    seq            INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    status         TEXT NOT NULL,
    mode           TEXT NOT NULL,
    record         TEXT NOT NULL,
    created_at     DATETIME NOT NULL
)`

const createCorrelationIndex = `
CREATE INDEX IF NOT EXISTS idx_checkpoints_correlation_id ON checkpoints (correlation_id)`

// Compile-time interface satisfaction check.
var _ storage.CheckpointStore = (*Store)(nil)

// Store is an append-only checkpoint table.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens the database at dbPath and creates the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA synchronous = FULL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	for _, stmt := range []string{createCheckpointsTable, createCorrelationIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create checkpoints schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Append inserts one record.
func (s *Store) Append(record types.CheckpointRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.CorrelationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.Exec(
		`INSERT INTO checkpoints (correlation_id, status, mode, record, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.CorrelationID, string(record.Status), string(record.Mode), string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint %s: %w", record.CorrelationID, err)
	}
	return nil
}

// Replay calls handler for every record in insertion order.
func (s *Store) Replay(handler func(types.CheckpointRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT seq, record FROM checkpoints ORDER BY seq ASC`)
	if err != nil {
		return fmt.Errorf("query checkpoints: %w", err)
	}

	// Collect first: the single connection is held by rows until closed.
	var records []types.CheckpointRecord
	for rows.Next() {
		var (
			seq int64
			raw string
		)
		if err := rows.Scan(&seq, &raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan checkpoint: %w", err)
		}
		var record types.CheckpointRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			rows.Close()
			return fmt.Errorf("decode checkpoint seq=%d: %w", seq, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate checkpoints: %w", err)
	}
	rows.Close()

	for _, r := range records {
		if err := handler(r); err != nil {
			return err
		}
	}
	return nil
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus() (map[types.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM checkpoints GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count checkpoints: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[types.Status(status)] = n
	}
	return counts, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
