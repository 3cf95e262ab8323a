// Package storage defines the checkpoint store contract shared by the JSONL
// write-ahead log and the SQLite store, plus the resume helpers built on it.
package storage

import (
	"fmt"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

// CheckpointStore is the append-only durable log of terminal task outcomes.
// Append must be safe for concurrent callers and must never interleave two
// records.
type CheckpointStore interface {
	Append(record types.CheckpointRecord) error
	Replay(handler func(types.CheckpointRecord) error) error
	Close() error
}

// Appender is the write side used by executors.
type Appender interface {
	Append(record types.CheckpointRecord) error
}

// Load returns every record of the store in log order.
func Load(store CheckpointStore) ([]types.CheckpointRecord, error) {
	var records []types.CheckpointRecord
	err := store.Replay(func(r types.CheckpointRecord) error {
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("replay checkpoints: %w", err)
	}
	return records, nil
}

// Completed returns the correlation ids that count as done. With retryFailed,
// ids whose latest record failed are left out so they get dispatched again.
func Completed(records []types.CheckpointRecord, retryFailed bool) map[string]struct{} {
	latest := make(map[string]types.Status, len(records))
	for _, r := range records {
		latest[r.CorrelationID] = r.Status
	}

	done := make(map[string]struct{}, len(latest))
	for id, status := range latest {
		if retryFailed && status.Failed() {
			continue
		}
		done[id] = struct{}{}
	}
	return done
}

// Pending filters tasks down to those without a completed record.
func Pending(tasks []types.Task, done map[string]struct{}) []types.Task {
	out := make([]types.Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := done[t.CorrelationID]; ok {
			continue
		}
		out = append(out, t)
	}
	return out
}
