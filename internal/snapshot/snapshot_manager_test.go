package snapshot

// ============================================================================
// Manifest Manager tests
// Verify atomic write, load, version checks and parameter fingerprinting
// ============================================================================

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var params = Params{
	Dataset:  "braingle_Math",
	Prompts:  []string{"basic", "hinted"},
	Backends: []string{"GPT-o3", "DSChat"},
	Rows:     10,
	Samples:  2,
}

// ============================================================================
// Basic functionality
// ============================================================================

// TestNewManager tests creating a manager
func TestNewManager(t *testing.T) {
	manager := NewManager("manifest.yaml")
	assert.NotNil(t, manager)
	assert.Equal(t, "manifest.yaml", manager.GetPath())
}

// TestWriteAndLoad tests a full round trip through the file
func TestWriteAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	manager := NewManager(path)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	manifest, existed, err := manager.Open("exp1", params, now)
	require.NoError(t, err)
	assert.False(t, existed)

	i := manifest.StartRun(types.ModeLive, 40, now)
	manifest.FinishRun(i, 38, 2, false, nil, now.Add(time.Minute))
	manifest.Batch = &BatchSubmission{JobID: "batch_1", Backend: "GPT-o3", TaskSetHash: TaskSetHash([]string{"b", "a"}), TaskCount: 2, SubmittedAt: now}
	require.NoError(t, manager.Write(manifest))
	assert.True(t, manager.Exists())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Equal(t, "exp1", loaded.Job)
	assert.Equal(t, params, loaded.Params)
	require.Len(t, loaded.Runs, 1)
	assert.Len(t, loaded.Runs[0].ID, 26)
	assert.Equal(t, 38, loaded.Runs[0].Succeeded)
	require.NotNil(t, loaded.Runs[0].FinishedAt)
	require.NotNil(t, loaded.Batch)
	assert.Equal(t, "batch_1", loaded.Batch.JobID)
	assert.Equal(t, TaskSetHash([]string{"a", "b"}), loaded.Batch.TaskSetHash)
}

// TestLoadNotFound tests a missing manifest
func TestLoadNotFound(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "manifest.yaml")).Load()
	assert.ErrorIs(t, err, ErrManifestNotFound)
}

// TestOpenExisting tests reopening with identical parameters
func TestOpenExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	manager := NewManager(path)

	manifest, _, err := manager.Open("exp1", params, time.Now())
	require.NoError(t, err)
	require.NoError(t, manager.Write(manifest))

	reordered := params
	reordered.Prompts = []string{"hinted", "basic"}
	again, existed, err := manager.Open("exp1", reordered, time.Now())
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, manifest.Fingerprint, again.Fingerprint)
}

// TestOpenParamsChanged tests that a different task set is refused
func TestOpenParamsChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	manager := NewManager(path)

	manifest, _, err := manager.Open("exp1", params, time.Now())
	require.NoError(t, err)
	require.NoError(t, manager.Write(manifest))

	changed := params
	changed.Samples = 3
	_, _, err = manager.Open("exp1", changed, time.Now())
	assert.ErrorIs(t, err, ErrParamsChanged)

	reordered := params
	reordered.Backends = []string{"DSChat", "GPT-o3"}
	_, _, err = manager.Open("exp1", reordered, time.Now())
	assert.ErrorIs(t, err, ErrParamsChanged, "backend order changes task order")
}

// ============================================================================
// Error handling
// ============================================================================

// TestLoadCorrupted tests an unparsable manifest
func TestLoadCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: [oops\n"), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedManifest)
}

// TestLoadIncompatibleVersion tests a future schema version
func TestLoadIncompatibleVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("schema_version: 99\njob: x\n"), 0644))

	_, err := NewManager(path).Load()
	assert.True(t, errors.Is(err, ErrIncompatibleVersion))
}

// TestAtomicWriteLeavesNoTempFiles tests temp file cleanup
func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	manager := NewManager(filepath.Join(dir, "manifest.yaml"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := manager.Open("exp1", params, time.Now())
			if assert.NoError(t, err) {
				assert.NoError(t, manager.Write(m))
			}
		}()
	}
	wg.Wait()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "manifest.yaml", entries[0].Name())
}

func TestFingerprintStable(t *testing.T) {
	assert.Equal(t, params.Fingerprint(), params.Fingerprint())
	assert.Len(t, params.Fingerprint(), 64)
}
