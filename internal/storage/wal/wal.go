package wal

// ============================================================================
// Checkpoint WAL
// Responsibilities:
// 1. Append one checkpoint record per line (append-only, single writer)
// 2. Replay all records in order for resume and finalize
// 3. Repair a torn final line left by a crash mid-append
// 4. fsync after every append when durability is requested
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/querybatch/internal/storage"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// FileInterface is the subset of *os.File the log writes through.
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// WAL is a JSONL checkpoint log.
type WAL struct {
	mu           sync.Mutex
	file         FileInterface
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	logger       *slog.Logger
}

var _ storage.CheckpointStore = (*WAL)(nil)

// NewWAL opens or creates the log at path.
//
// An existing file is scanned to restore the sequence number. A final line
// without a trailing newline (a crash mid-append) is truncated away; any
// other unreadable line is an error.
func NewWAL(path string, syncOnAppend bool, logger *slog.Logger) (*WAL, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		lastSeq uint64
		good    int64
		torn    bool
	)
	if f, err := os.Open(path); err == nil {
		good, torn, err = readEntries(f, func(e Entry) error {
			lastSeq = e.Seq
			return nil
		})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if torn {
		if err := file.Truncate(good); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncate torn tail of %s: %w", path, err)
		}
		logger.Warn("Discarded torn checkpoint line", "path", path, "offset", good)
	}

	return &WAL{
		file:         file,
		path:         path,
		seq:          lastSeq,
		syncOnAppend: syncOnAppend,
		logger:       logger,
	}, nil
}

// Append writes one record as a single line.
func (w *WAL) Append(record types.CheckpointRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("wal: encode record %s: %w", record.CorrelationID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	seq := w.seq + 1
	line, err := json.Marshal(Entry{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Checksum:  CalculateChecksum(seq, raw),
		Record:    raw,
	})
	if err != nil {
		return fmt.Errorf("wal: encode entry seq=%d: %w", seq, err)
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("wal: append seq=%d: %w", seq, err)
	}
	if w.syncOnAppend {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync seq=%d: %w", seq, err)
		}
	}

	w.seq = seq
	return nil
}

// Replay calls handler for every record in log order. A torn final line is
// skipped with a warning.
func (w *WAL) Replay(handler func(types.CheckpointRecord) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, torn, err := readEntries(file, func(e Entry) error {
		var record types.CheckpointRecord
		if err := json.Unmarshal(e.Record, &record); err != nil {
			return fmt.Errorf("%w: seq=%d: %v", ErrCorruptedWAL, e.Seq, err)
		}
		return handler(record)
	})
	if torn {
		w.logger.Warn("Skipped torn checkpoint line during replay", "path", w.path)
	}
	return err
}

// Close flushes and closes the file. A closed WAL must not be reused.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// LastSeq returns the sequence number of the last appended record.
func (w *WAL) LastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path returns the file path.
func (w *WAL) Path() string {
	return w.path
}

// readEntries decodes every complete line of r and verifies its checksum.
// It returns the byte length of the valid prefix and whether the input ended
// in a torn line (no trailing newline and not decodable as a full entry).
func readEntries(r io.Reader, fn func(Entry) error) (good int64, torn bool, err error) {
	br := bufio.NewReader(r)
	line := 0

	for {
		b, rerr := br.ReadBytes('\n')
		if len(b) > 0 {
			line++
			complete := b[len(b)-1] == '\n'
			trimmed := bytes.TrimSpace(b)

			if len(trimmed) == 0 {
				if !complete {
					return good, true, nil
				}
				good += int64(len(b))
				continue
			}

			var e Entry
			if derr := json.Unmarshal(trimmed, &e); derr != nil || !complete {
				if !complete {
					return good, true, nil
				}
				return good, false, &CorruptionError{Line: line, Offset: good, Cause: derr}
			}

			if !VerifyChecksum(e) {
				return good, false, &ChecksumError{
					Seq:      e.Seq,
					Expected: CalculateChecksum(e.Seq, e.Record),
					Actual:   e.Checksum,
				}
			}

			if err := fn(e); err != nil {
				return good, false, err
			}
			good += int64(len(b))
		}

		if rerr == io.EOF {
			return good, false, nil
		}
		if rerr != nil {
			return good, false, rerr
		}
	}
}
