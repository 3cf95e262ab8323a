package output

import (
	"fmt"
	"io"

	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// parquetRow is the Parquet schema of a result row. Response is null for
// failed and pending tasks.
type parquetRow struct {
	ID            string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Question      string  `parquet:"name=question, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hint          string  `parquet:"name=hint, type=BYTE_ARRAY, convertedtype=UTF8"`
	HumanSolution string  `parquet:"name=human_solution, type=BYTE_ARRAY, convertedtype=UTF8"`
	Model         string  `parquet:"name=model, type=BYTE_ARRAY, convertedtype=UTF8"`
	PromptType    string  `parquet:"name=prompt_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Response      *string `parquet:"name=response, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
	Status        string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CorrelationID *string `parquet:"name=correlation_id, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL"`
}

// WriteParquet writes rows as a SNAPPY-compressed Parquet file.
func WriteParquet(w io.Writer, rows []types.TableRow, opts Options) (err error) {
	pw, err := writer.NewParquetWriterFromWriter(w, new(parquetRow), 1)
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, r := range rows {
		pr := parquetRow{
			ID:            r.ID,
			Question:      r.Question,
			Hint:          r.Hint,
			HumanSolution: r.HumanSolution,
			Model:         r.Model,
			PromptType:    r.PromptType,
			Response:      r.Response,
			Status:        string(r.Status),
		}
		if opts.IncludeCorrelationID {
			pr.CorrelationID = types.Ptr(r.CorrelationID)
		}
		if err := pw.Write(pr); err != nil {
			return fmt.Errorf("write parquet row %s: %w", r.ID, err)
		}
	}

	// WriteStop can panic on internal writer errors.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finish parquet file: %v", r)
		}
	}()
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("finish parquet file: %w", err)
	}
	return nil
}
