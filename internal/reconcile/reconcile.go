// Package reconcile joins executor output back onto tasks by correlation id
// and folds the checkpoint log into the final result table.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/pkg/types"
)

// MissingOutputDetail is the error detail of a task without an output line.
const MissingOutputDetail = "no output line for request"

// Line is one parsed line of an async job's output artifact.
type Line struct {
	CorrelationID string
	Response      *string
	Err           error // set when the provider reported a per-request failure
}

// Report lists the anomalies found while matching.
type Report struct {
	Unknown    []string // ids in the output that match no task
	Duplicates []string // ids that appeared more than once; the first line wins
	Missing    []string // tasks without any output line
}

// Match associates output lines with tasks strictly by correlation id, never
// by position. Every task yields exactly one record, in task order.
func Match(tasks []types.Task, lines []Line, now time.Time, logger *slog.Logger) ([]types.CheckpointRecord, Report) {
	if logger == nil {
		logger = slog.Default()
	}

	known := make(map[string]struct{}, len(tasks))
	for _, t := range tasks {
		known[t.CorrelationID] = struct{}{}
	}

	var report Report
	byID := make(map[string]Line, len(lines))
	for _, l := range lines {
		if _, ok := known[l.CorrelationID]; !ok {
			report.Unknown = append(report.Unknown, l.CorrelationID)
			logger.Warn("Ignoring output line for unknown request", "correlation_id", l.CorrelationID)
			continue
		}
		if _, dup := byID[l.CorrelationID]; dup {
			report.Duplicates = append(report.Duplicates, l.CorrelationID)
			logger.Warn("Ignoring duplicate output line", "correlation_id", l.CorrelationID)
			continue
		}
		byID[l.CorrelationID] = l
	}

	records := make([]types.CheckpointRecord, 0, len(tasks))
	for _, t := range tasks {
		res := types.Result{Attempts: 1}

		l, ok := byID[t.CorrelationID]
		switch {
		case !ok:
			report.Missing = append(report.Missing, t.CorrelationID)
			res.Status = types.StatusError
			res.ErrorDetail = types.Ptr(MissingOutputDetail)
			res.ErrorKind = string(failure.KindMalformed)
		case l.Err != nil:
			res.Status = types.StatusError
			res.ErrorDetail = types.Ptr(l.Err.Error())
			res.ErrorKind = string(failure.Classify(l.Err))
			if failure.Classify(l.Err) == failure.KindTimeout {
				res.Status = types.StatusTimeout
			}
		case l.Response == nil:
			res.Status = types.StatusError
			res.ErrorDetail = types.Ptr("output line has no response")
			res.ErrorKind = string(failure.KindMalformed)
		default:
			res.Status = types.StatusOK
			res.Response = l.Response
		}

		records = append(records, types.NewCheckpointRecord(t, res, types.ModeBatch, now))
	}

	if len(report.Missing) > 0 {
		logger.Warn("Tasks without output lines", "count", len(report.Missing))
	}
	return records, report
}

// Finalize folds records into one row per task in task order; the latest
// record per correlation id wins. Tasks without a record are reported as
// pending. With nil tasks, rows follow first appearance in the log.
func Finalize(tasks []types.Task, records []types.CheckpointRecord) []types.TableRow {
	latest := make(map[string]types.CheckpointRecord, len(records))
	var order []string
	for _, r := range records {
		if _, seen := latest[r.CorrelationID]; !seen {
			order = append(order, r.CorrelationID)
		}
		latest[r.CorrelationID] = r
	}

	if tasks == nil {
		rows := make([]types.TableRow, 0, len(order))
		for _, id := range order {
			rows = append(rows, rowFromRecord(latest[id]))
		}
		return rows
	}

	rows := make([]types.TableRow, 0, len(tasks))
	for _, t := range tasks {
		if r, ok := latest[t.CorrelationID]; ok {
			rows = append(rows, rowFromRecord(r))
			continue
		}
		rows = append(rows, types.TableRow{
			ID:            t.RowID,
			Question:      t.Question,
			Hint:          t.Hint,
			HumanSolution: t.Solution,
			Model:         t.Backend,
			PromptType:    t.Prompt,
			Status:        types.StatusPending,
			CorrelationID: t.CorrelationID,
		})
	}
	return rows
}

func rowFromRecord(r types.CheckpointRecord) types.TableRow {
	return types.TableRow{
		ID:            r.RowID,
		Question:      r.Question,
		Hint:          r.Hint,
		HumanSolution: r.Solution,
		Model:         r.Backend,
		PromptType:    r.Prompt,
		Response:      r.Response,
		Status:        r.Status,
		CorrelationID: r.CorrelationID,
	}
}

// Summary counts table rows by status.
type Summary struct {
	Total    int
	ByStatus map[types.Status]int
}

// Succeeded returns the number of ok rows.
func (s Summary) Succeeded() int { return s.ByStatus[types.StatusOK] }

// Failed returns the number of error and timeout rows.
func (s Summary) Failed() int {
	return s.ByStatus[types.StatusError] + s.ByStatus[types.StatusTimeout]
}

// Pending returns the number of rows without a record.
func (s Summary) Pending() int { return s.ByStatus[types.StatusPending] }

// Summarize counts rows by status.
func Summarize(rows []types.TableRow) Summary {
	s := Summary{Total: len(rows), ByStatus: make(map[types.Status]int)}
	for _, r := range rows {
		s.ByStatus[r.Status]++
	}
	return s
}
