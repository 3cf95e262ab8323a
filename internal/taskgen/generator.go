// Package taskgen expands dataset rows, prompt variants, backends and samples
// into the flat, deterministically ordered task list of a job.
package taskgen

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

var (
	// ErrDuplicatePrompt indicates two prompts share a name.
	ErrDuplicatePrompt = errors.New("taskgen: duplicate prompt name")

	// ErrDuplicateBackend indicates a backend id is listed twice.
	ErrDuplicateBackend = errors.New("taskgen: duplicate backend")
)

// namespace seeds every job namespace; correlation ids are UUIDv5 values under
// a per-job namespace so the same parameters always regenerate the same ids.
var namespace = uuid.MustParse("6f1f3f0e-52a8-4c52-9d8e-3b0f5f2a9c11")

// Input is everything the generator needs.
type Input struct {
	Job      string
	Rows     []types.Row
	Prompts  []types.Prompt
	Backends []string
	Samples  int
}

// Skip explains why a row produced no tasks.
type Skip struct {
	RowID  string
	Reason string
}

// Output is the generated task list plus skipped rows.
type Output struct {
	Tasks   []types.Task
	Skipped []Skip
}

// Generate produces exactly len(valid rows) × prompts × backends × samples
// tasks in the order row, sample, prompt, backend. Prompts are taken in name
// order, backends in the given order. A nil logger uses slog.Default().
func Generate(in Input, logger *slog.Logger) (Output, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if in.Samples < 1 {
		return Output{}, fmt.Errorf("samples must be >= 1, got %d", in.Samples)
	}
	if len(in.Prompts) == 0 {
		return Output{}, fmt.Errorf("no prompts")
	}
	if len(in.Backends) == 0 {
		return Output{}, fmt.Errorf("no backends")
	}

	prompts := make([]types.Prompt, len(in.Prompts))
	copy(prompts, in.Prompts)
	sort.SliceStable(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	for i := 1; i < len(prompts); i++ {
		if prompts[i].Name == prompts[i-1].Name {
			return Output{}, fmt.Errorf("%w: %q", ErrDuplicatePrompt, prompts[i].Name)
		}
	}

	backends := make(map[string]struct{}, len(in.Backends))
	for _, b := range in.Backends {
		if _, dup := backends[b]; dup {
			return Output{}, fmt.Errorf("%w: %q", ErrDuplicateBackend, b)
		}
		backends[b] = struct{}{}
	}

	jobNS := uuid.NewSHA1(namespace, []byte(in.Job))

	var out Output
	out.Tasks = make([]types.Task, 0, len(in.Rows)*in.Samples*len(prompts)*len(in.Backends))
	seen := make(map[string]struct{}, len(in.Rows))

	for _, row := range in.Rows {
		if strings.TrimSpace(row.Question) == "" {
			logger.Warn("Skipping row without question text", "row_id", row.ID)
			out.Skipped = append(out.Skipped, Skip{RowID: row.ID, Reason: "empty question"})
			continue
		}
		if _, dup := seen[row.ID]; dup {
			logger.Warn("Skipping row with duplicate id", "row_id", row.ID)
			out.Skipped = append(out.Skipped, Skip{RowID: row.ID, Reason: "duplicate row id"})
			continue
		}
		seen[row.ID] = struct{}{}

		for sample := 0; sample < in.Samples; sample++ {
			for _, prompt := range prompts {
				payload := BuildPayload(row, prompt)
				for _, backend := range in.Backends {
					out.Tasks = append(out.Tasks, types.Task{
						RowID:         row.ID,
						Prompt:        prompt.Name,
						Backend:       backend,
						Sample:        sample,
						Question:      row.Question,
						Hint:          row.Hint,
						Solution:      row.Answer,
						Payload:       payload,
						CorrelationID: CorrelationID(jobNS, row.ID, prompt.Name, backend, sample),
					})
				}
			}
		}
	}

	return out, nil
}

// CorrelationID derives the stable id of one natural key within a job namespace.
func CorrelationID(jobNS uuid.UUID, rowID, prompt, backend string, sample int) string {
	key := strings.Join([]string{rowID, prompt, backend, strconv.Itoa(sample)}, "\x1f")
	return uuid.NewSHA1(jobNS, []byte(key)).String()
}

// BuildPayload composes the system and user messages for a row. The hint is
// appended only when the prompt asks for it.
func BuildPayload(row types.Row, prompt types.Prompt) types.Payload {
	user := "Question: " + row.Question
	if strings.Contains(strings.ToLower(prompt.Text), "hint") && strings.TrimSpace(row.Hint) != "" {
		user += "\nHint: " + row.Hint
	}
	return types.Payload{System: prompt.Text, User: user}
}
