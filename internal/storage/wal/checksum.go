package wal

// ============================================================================
// Checksums
// Responsibility: CRC32 over the sequence number and the encoded record
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE of seq (big endian) followed by
// the record bytes.
func CalculateChecksum(seq uint64, record []byte) uint32 {
	var prefix [8]byte
	binary.BigEndian.PutUint64(prefix[:], seq)

	h := crc32.NewIEEE()
	h.Write(prefix[:])
	h.Write(record)
	return h.Sum32()
}

// VerifyChecksum reports whether the entry's stored checksum matches.
func VerifyChecksum(e Entry) bool {
	return e.Checksum == CalculateChecksum(e.Seq, e.Record)
}
