package output

import (
	"encoding/csv"
	"io"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

// Header is the fixed column order of the result table.
var Header = []string{"ID", "Question", "Hint", "Human Solution", "Model", "PromptType", "Response", "Status"}

// WriteCSV writes rows with a header line. A null response is an empty cell.
func WriteCSV(w io.Writer, rows []types.TableRow, opts Options) error {
	cw := csv.NewWriter(w)

	header := Header
	if opts.IncludeCorrelationID {
		header = append(append([]string(nil), Header...), "CorrelationID")
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		response := ""
		if r.Response != nil {
			response = *r.Response
		}
		rec := []string{r.ID, r.Question, r.Hint, r.HumanSolution, r.Model, r.PromptType, response, string(r.Status)}
		if opts.IncludeCorrelationID {
			rec = append(rec, r.CorrelationID)
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}
