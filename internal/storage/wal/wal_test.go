package wal

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/querybatch/internal/storage"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(id string, status types.Status) types.CheckpointRecord {
	task := types.Task{RowID: "r1", Prompt: "basic", Backend: "echo", Sample: 1, Question: "q", CorrelationID: id}
	res := types.Result{Status: status, Attempts: 1}
	if status == types.StatusOK {
		res.Response = types.Ptr("answer " + id)
	} else {
		res.ErrorDetail = types.Ptr("boom")
	}
	return types.NewCheckpointRecord(task, res, types.ModeLive, time.Unix(1700000000, 0))
}

// ============================================================================
// Append / Replay
// ============================================================================

// TestAppendAndReplay tests that records come back in append order
func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, true, nil)
	require.NoError(t, err)

	require.NoError(t, w.Append(record("a", types.StatusOK)))
	require.NoError(t, w.Append(record("b", types.StatusError)))
	assert.Equal(t, uint64(2), w.LastSeq())

	records, err := storage.Load(w)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].CorrelationID)
	assert.Equal(t, "answer a", *records[0].Response)
	assert.Equal(t, types.StatusError, records[1].Status)
	assert.Nil(t, records[1].Response)

	require.NoError(t, w.Close())
}

// TestReopenRestoresSequence tests that a reopened log continues numbering
func TestReopenRestoresSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(record("a", types.StatusOK)))
	require.NoError(t, w.Close())

	w, err = NewWAL(path, false, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.LastSeq())

	require.NoError(t, w.Append(record("b", types.StatusOK)))
	assert.Equal(t, uint64(2), w.LastSeq())

	records, err := storage.Load(w)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

// TestAppendAfterClose tests the closed guard
func TestAppendAfterClose(t *testing.T) {
	w, err := NewWAL(filepath.Join(t.TempDir(), "c.jsonl"), false, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	err = w.Append(record("a", types.StatusOK))
	assert.ErrorIs(t, err, ErrWALClosed)
}

// TestConcurrentAppends tests that parallel writers never interleave lines
func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, false, nil)
	require.NoError(t, err)
	defer w.Close()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				assert.NoError(t, w.Append(record(fmt.Sprintf("w%d-%d", i, j), types.StatusOK)))
			}
		}(i)
	}
	wg.Wait()

	records, err := storage.Load(w)
	require.NoError(t, err)
	require.Len(t, records, writers*perWriter)

	seen := make(map[string]bool)
	for _, r := range records {
		seen[r.CorrelationID] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

// ============================================================================
// Crash recovery
// ============================================================================

// TestTornTailIsDiscarded tests recovery from a crash mid-append
func TestTornTailIsDiscarded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, true, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(record("a", types.StatusOK)))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ts":1,"crc":12,"record":{"correlation_`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = NewWAL(path, true, nil)
	require.NoError(t, err)
	defer w.Close()
	assert.Equal(t, uint64(1), w.LastSeq())

	require.NoError(t, w.Append(record("b", types.StatusOK)))

	records, err := storage.Load(w)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[1].CorrelationID)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
}

// TestCorruptedMiddleLine tests that damage before the tail is reported
func TestCorruptedMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(record("a", types.StatusOK)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append([]byte("not json\n"), data...), 0644))

	_, err = NewWAL(path, false, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptedWAL)

	var ce *CorruptionError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Line)
}

// TestChecksumMismatch tests that an edited record is rejected
func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.jsonl")
	w, err := NewWAL(path, false, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(record("a", types.StatusOK)))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), "answer a", "answer z", 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = NewWAL(path, false, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

// TestCalculateChecksumCoversSeq tests that the sequence is part of the checksum
func TestCalculateChecksumCoversSeq(t *testing.T) {
	body := []byte(`{"x":1}`)
	assert.NotEqual(t, CalculateChecksum(1, body), CalculateChecksum(2, body))
	assert.True(t, VerifyChecksum(Entry{Seq: 7, Checksum: CalculateChecksum(7, body), Record: body}))
}
