// Package dataset loads problem rows and prompt variants from disk.
package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

var (
	// ErrMissingColumn indicates a required CSV header is absent.
	ErrMissingColumn = errors.New("dataset: missing column")

	// ErrNoPrompts indicates the prompt directory holds no prompt files.
	ErrNoPrompts = errors.New("dataset: no prompt files")

	// ErrDuplicatePrompt indicates two prompt files share a name.
	ErrDuplicatePrompt = errors.New("dataset: duplicate prompt name")
)

const (
	colID         = "id"
	colQuestion   = "question"
	colAnswer     = "answer"
	colHint       = "hint"
	colDifficulty = "difficulty"
)

// LoadRows reads up to limit rows from the CSV file at path. limit <= 0
// reads every row.
func LoadRows(path string, limit int) ([]types.Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := ReadRows(f, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rows, nil
}

// ReadRows parses CSV rows. Headers are matched case-insensitively;
// Question and Answer are required, Hint, ID and Difficulty are optional.
// Without an ID column the zero-based data row index is the id.
func ReadRows(r io.Reader, limit int) ([]types.Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("%w: empty file", ErrMissingColumn)
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	for _, required := range []string{colQuestion, colAnswer} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, required)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []types.Row
	for index := 0; limit <= 0 || index < limit; index++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", index, err)
		}

		row := types.Row{
			ID:       strings.TrimSpace(field(rec, colID)),
			Question: field(rec, colQuestion),
			Answer:   field(rec, colAnswer),
			Hint:     field(rec, colHint),
		}
		if row.ID == "" {
			row.ID = strconv.Itoa(index)
		}
		if d := strings.TrimSpace(field(rec, colDifficulty)); d != "" {
			if v, err := strconv.ParseFloat(d, 64); err == nil {
				row.Difficulty = &v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LoadPrompts reads every *.txt file under dir (recursively) as a prompt
// named after the file stem, sorted by name. Two files with the same stem
// in different subdirectories are rejected with ErrDuplicatePrompt.
func LoadPrompts(dir string) ([]types.Prompt, error) {
	var prompts []types.Prompt
	sources := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".txt") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if prev, dup := sources[name]; dup {
			return fmt.Errorf("%w %q: %s and %s", ErrDuplicatePrompt, name, prev, path)
		}
		sources[name] = path
		prompts = append(prompts, types.Prompt{Name: name, Text: string(data)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load prompts from %s: %w", dir, err)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoPrompts, dir)
	}

	sort.SliceStable(prompts, func(i, j int) bool { return prompts[i].Name < prompts[j].Name })
	return prompts, nil
}

// Stem returns the dataset file name without directory and extension. Job
// directories are grouped by it.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
