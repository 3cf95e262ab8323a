// ============================================================================
// querybatch Run Manifest
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot_manager.go
// Function: Persist the per-job manifest next to the checkpoint log
//
// The manifest records what a job directory was created for (parameters and
// their fingerprint), every run against it, and the in-flight batch
// submission so that a restarted batch run resumes polling instead of
// submitting twice.
//
// Atomic write:
//   1. Write YAML to a temp file in the same directory
//   2. fsync the temp file
//   3. rename over manifest.yaml
//   A crash leaves either the old or the new manifest, never a mix.
//
// ============================================================================

package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// SchemaVersion is the manifest format version.
const SchemaVersion = 1

var (
	ErrCorruptedManifest   = errors.New("manifest file is corrupted")
	ErrIncompatibleVersion = errors.New("manifest schema version is incompatible")
	ErrManifestNotFound    = errors.New("manifest file not found")
	ErrParamsChanged       = errors.New("job parameters differ from the existing job directory")
)

// Params are the generation parameters that determine the task set.
type Params struct {
	Dataset  string   `yaml:"dataset"`
	Prompts  []string `yaml:"prompts"`
	Backends []string `yaml:"backends"`
	Rows     int      `yaml:"rows"`
	Samples  int      `yaml:"samples"`
}

// Fingerprint returns the SHA-256 of the canonical encoding of p.
func (p Params) Fingerprint() string {
	prompts := append([]string(nil), p.Prompts...)
	sort.Strings(prompts)

	var b strings.Builder
	fmt.Fprintf(&b, "dataset=%s\n", p.Dataset)
	fmt.Fprintf(&b, "prompts=%s\n", strings.Join(prompts, "\x1f"))
	fmt.Fprintf(&b, "backends=%s\n", strings.Join(p.Backends, "\x1f"))
	fmt.Fprintf(&b, "rows=%d\nsamples=%d\n", p.Rows, p.Samples)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Run is one invocation against the job directory.
type Run struct {
	ID         string     `yaml:"id"`
	Mode       types.Mode `yaml:"mode"`
	StartedAt  time.Time  `yaml:"started_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty"`
	Pending    int        `yaml:"pending"`
	Succeeded  int        `yaml:"succeeded"`
	Failed     int        `yaml:"failed"`
	Aborted    bool       `yaml:"aborted,omitempty"`
	Error      string     `yaml:"error,omitempty"`
}

// BatchSubmission is a provider batch job that has been submitted but not
// yet reconciled.
type BatchSubmission struct {
	JobID       string    `yaml:"job_id"`
	InputFileID string    `yaml:"input_file_id,omitempty"`
	Backend     string    `yaml:"backend"`
	TaskSetHash string    `yaml:"task_set_hash"`
	TaskCount   int       `yaml:"task_count"`
	SubmittedAt time.Time `yaml:"submitted_at"`
}

// Manifest is the content of manifest.yaml.
type Manifest struct {
	SchemaVer   int              `yaml:"schema_version"`
	Job         string           `yaml:"job"`
	Params      Params           `yaml:"params"`
	Fingerprint string           `yaml:"fingerprint"`
	CreatedAt   time.Time        `yaml:"created_at"`
	Runs        []Run            `yaml:"runs"`
	Batch       *BatchSubmission `yaml:"batch,omitempty"`
}

// StartRun appends a new run and returns its index.
func (m *Manifest) StartRun(mode types.Mode, pending int, now time.Time) int {
	m.Runs = append(m.Runs, Run{
		ID:        ulid.Make().String(),
		Mode:      mode,
		StartedAt: now.UTC(),
		Pending:   pending,
	})
	return len(m.Runs) - 1
}

// FinishRun closes the run at index i.
func (m *Manifest) FinishRun(i int, succeeded, failed int, aborted bool, runErr error, now time.Time) {
	if i < 0 || i >= len(m.Runs) {
		return
	}
	finished := now.UTC()
	r := &m.Runs[i]
	r.FinishedAt = &finished
	r.Succeeded = succeeded
	r.Failed = failed
	r.Aborted = aborted
	if runErr != nil {
		r.Error = runErr.Error()
	}
}

// TaskSetHash identifies a set of correlation ids independent of order.
func TaskSetHash(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Manager reads and writes one manifest file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager creates a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the manifest.
func (m *Manager) Write(manifest *Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	manifest.SchemaVer = SchemaVersion

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp manifest: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp manifest: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename manifest: %w", err)
	}
	return nil
}

// Load reads the manifest. A missing file returns ErrManifestNotFound.
func (m *Manager) Load() (*Manifest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrManifestNotFound
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedManifest, err)
	}

	if manifest.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, manifest.SchemaVer, SchemaVersion)
	}
	return &manifest, nil
}

// Open loads the manifest for job and checks it against params, or creates
// a new one when none exists.
func (m *Manager) Open(job string, params Params, now time.Time) (*Manifest, bool, error) {
	manifest, err := m.Load()
	switch {
	case errors.Is(err, ErrManifestNotFound):
		manifest = &Manifest{
			SchemaVer:   SchemaVersion,
			Job:         job,
			Params:      params,
			Fingerprint: params.Fingerprint(),
			CreatedAt:   now.UTC(),
		}
		return manifest, false, nil
	case err != nil:
		return nil, false, err
	}

	if want := params.Fingerprint(); manifest.Fingerprint != want {
		return nil, true, fmt.Errorf("%w: recorded %+v, requested %+v", ErrParamsChanged, manifest.Params, params)
	}
	return manifest, true, nil
}

// Exists reports whether the manifest file exists.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the manifest path.
func (m *Manager) GetPath() string {
	return m.path
}
