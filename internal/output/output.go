// Package output writes the final result table as CSV and Parquet files.
package output

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/querybatch/pkg/types"
	"github.com/hashicorp/go-multierror"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Options controls which columns are written.
type Options struct {
	IncludeCorrelationID bool
}

type encodeFunc func(w io.Writer, rows []types.TableRow, opts Options) error

var encoders = map[string]struct {
	file   string
	encode encodeFunc
}{
	FormatCSV:     {file: "results.csv", encode: WriteCSV},
	FormatParquet: {file: "results.parquet", encode: WriteParquet},
}

// FileName returns the file name used for format.
func FileName(format string) (string, bool) {
	e, ok := encoders[format]
	return e.file, ok
}

// WriteFiles writes one file per format into dir, each replaced atomically.
// Every format is attempted; failures are aggregated.
func WriteFiles(dir string, formats []string, rows []types.TableRow, opts Options) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	var (
		paths  []string
		result *multierror.Error
	)
	for _, format := range formats {
		e, ok := encoders[format]
		if !ok {
			result = multierror.Append(result, fmt.Errorf("unknown output format %q", format))
			continue
		}

		var buf bytes.Buffer
		if err := e.encode(&buf, rows, opts); err != nil {
			result = multierror.Append(result, fmt.Errorf("encode %s: %w", format, err))
			continue
		}

		path := filepath.Join(dir, e.file)
		if err := writeAtomic(path, buf.Bytes()); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		paths = append(paths, path)
	}
	return paths, result.ErrorOrNil()
}

func writeAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
