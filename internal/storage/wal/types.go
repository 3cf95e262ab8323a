package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// ============================================================================

// Entry is one line of the checkpoint log.
type Entry struct {
	Seq       uint64          `json:"seq"`    // monotonically increasing per file
	Timestamp int64           `json:"ts"`     // Unix millisecond timestamp of the append
	Checksum  uint32          `json:"crc"`    // CRC32 over seq and record bytes
	Record    json.RawMessage `json:"record"` // encoded types.CheckpointRecord
}
