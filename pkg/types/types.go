// Package types defines the core domain model shared by the generator,
// the executors, the checkpoint store and the reconciler.
package types

import "time"

// Row is one problem instance of the dataset.
type Row struct {
	ID         string   `json:"id"`
	Question   string   `json:"question"`
	Answer     string   `json:"answer"`
	Hint       string   `json:"hint,omitempty"`
	Difficulty *float64 `json:"difficulty,omitempty"`
}

// Prompt is a named prompt variant (system instructions).
type Prompt struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// Payload is the opaque input handed to a backend call.
type Payload struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Task is one independent unit of work: a single (row, prompt, backend, sample)
// combination. Tasks are created by the generator and never mutated.
type Task struct {
	RowID    string `json:"row_id"`
	Prompt   string `json:"prompt"`
	Backend  string `json:"backend"`
	Sample   int    `json:"sample"`
	Question string `json:"question"`
	Hint     string `json:"hint,omitempty"`
	Solution string `json:"solution,omitempty"`

	Payload       Payload `json:"payload"`
	CorrelationID string  `json:"correlation_id"`
}

// Status is the terminal status flag of a task result.
type Status string

const (
	StatusOK      Status = "ok"      // clean response
	StatusError   Status = "error"   // failed (exhausted, malformed, unclassified, missing output)
	StatusTimeout Status = "timeout" // retries exhausted and the last failure was a timeout

	// StatusPending only appears in result tables for tasks without a checkpoint yet.
	StatusPending Status = "pending"
)

// Failed reports whether the status marks a failed task.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusTimeout
}

// Mode names the executor that produced a record.
type Mode string

const (
	ModeLive  Mode = "live"
	ModeBatch Mode = "batch"
)

// Result is what an executor produces for one task.
type Result struct {
	CorrelationID string  `json:"correlation_id"`
	Status        Status  `json:"status"`
	Response      *string `json:"response"`
	ErrorDetail   *string `json:"error_detail"`
	ErrorKind     string  `json:"error_kind,omitempty"`
	Attempts      int     `json:"attempts"`
}

// CheckpointRecord is the durable record of one terminal task outcome: the
// task's metadata joined with its result. Written once, never mutated.
type CheckpointRecord struct {
	RowID    string `json:"row_id"`
	Prompt   string `json:"prompt"`
	Backend  string `json:"backend"`
	Sample   int    `json:"sample"`
	Question string `json:"question"`
	Hint     string `json:"hint,omitempty"`
	Solution string `json:"solution,omitempty"`

	Result

	Mode       Mode      `json:"mode"`
	FinishedAt time.Time `json:"finished_at"`
}

// NewCheckpointRecord joins a task with its result.
func NewCheckpointRecord(task Task, result Result, mode Mode, finishedAt time.Time) CheckpointRecord {
	result.CorrelationID = task.CorrelationID
	return CheckpointRecord{
		RowID:      task.RowID,
		Prompt:     task.Prompt,
		Backend:    task.Backend,
		Sample:     task.Sample,
		Question:   task.Question,
		Hint:       task.Hint,
		Solution:   task.Solution,
		Result:     result,
		Mode:       mode,
		FinishedAt: finishedAt.UTC(),
	}
}

// TableRow is one row of the final result table.
type TableRow struct {
	ID            string
	Question      string
	Hint          string
	HumanSolution string
	Model         string
	PromptType    string
	Response      *string
	Status        Status
	CorrelationID string
}

// Ptr returns a pointer to s.
func Ptr(s string) *string {
	return &s
}
