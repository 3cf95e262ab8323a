package taskgen

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/querybatch/pkg/types"
)

func rows(n int) []types.Row {
	out := make([]types.Row, n)
	for i := range out {
		out[i] = types.Row{
			ID:       fmt.Sprint(i),
			Question: fmt.Sprintf("question %d", i),
			Answer:   fmt.Sprintf("answer %d", i),
			Hint:     fmt.Sprintf("hint %d", i),
		}
	}
	return out
}

func prompts() []types.Prompt {
	return []types.Prompt{
		{Name: "zeroShot", Text: "Answer the question."},
		{Name: "hinted", Text: "Use the HINT if useful."},
	}
}

// TestGenerateCount verifies N×P×M×S tasks with distinct ids.
func TestGenerateCount(t *testing.T) {
	in := Input{
		Job:      "exp1",
		Rows:     rows(3),
		Prompts:  prompts(),
		Backends: []string{"GPT-o3", "DSChat", "Qwen14"},
		Samples:  2,
	}

	out, err := Generate(in, nil)
	require.NoError(t, err)

	assert.Len(t, out.Tasks, 3*2*3*2)
	assert.Empty(t, out.Skipped)

	ids := make(map[string]struct{})
	for _, task := range out.Tasks {
		_, dup := ids[task.CorrelationID]
		assert.False(t, dup, "duplicate correlation id %s", task.CorrelationID)
		ids[task.CorrelationID] = struct{}{}
	}
}

func TestGenerateOrder(t *testing.T) {
	in := Input{
		Job:      "exp1",
		Rows:     rows(2),
		Prompts:  prompts(),
		Backends: []string{"b1", "b2"},
		Samples:  2,
	}

	out, err := Generate(in, nil)
	require.NoError(t, err)
	require.Len(t, out.Tasks, 16)

	// row, then sample, then prompt (name order), then backend
	first := out.Tasks[:4]
	assert.Equal(t, []string{"0", "0", "0", "0"}, []string{first[0].RowID, first[1].RowID, first[2].RowID, first[3].RowID})
	assert.Equal(t, "hinted", first[0].Prompt)
	assert.Equal(t, "b1", first[0].Backend)
	assert.Equal(t, "hinted", first[1].Prompt)
	assert.Equal(t, "b2", first[1].Backend)
	assert.Equal(t, "zeroShot", first[2].Prompt)
	assert.Equal(t, 0, first[3].Sample)
	assert.Equal(t, 1, out.Tasks[4].Sample)
	assert.Equal(t, "1", out.Tasks[8].RowID)
}

func TestGenerateDeterministic(t *testing.T) {
	in := Input{Job: "exp1", Rows: rows(4), Prompts: prompts(), Backends: []string{"a", "b"}, Samples: 3}

	first, err := Generate(in, nil)
	require.NoError(t, err)
	second, err := Generate(in, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Tasks, second.Tasks)

	in.Job = "exp2"
	other, err := Generate(in, nil)
	require.NoError(t, err)
	assert.NotEqual(t, first.Tasks[0].CorrelationID, other.Tasks[0].CorrelationID)
}

func TestGenerateSkipsEmptyAndDuplicateRows(t *testing.T) {
	rs := rows(3)
	rs[1].Question = "   "
	rs = append(rs, types.Row{ID: "0", Question: "again"})

	out, err := Generate(Input{Job: "j", Rows: rs, Prompts: prompts()[:1], Backends: []string{"b"}, Samples: 1}, nil)
	require.NoError(t, err)

	assert.Len(t, out.Tasks, 2)
	require.Len(t, out.Skipped, 2)
	assert.Equal(t, Skip{RowID: "1", Reason: "empty question"}, out.Skipped[0])
	assert.Equal(t, Skip{RowID: "0", Reason: "duplicate row id"}, out.Skipped[1])
}

func TestGenerateRejectsBadInput(t *testing.T) {
	_, err := Generate(Input{Rows: rows(1), Prompts: prompts(), Backends: []string{"b"}, Samples: 0}, nil)
	assert.Error(t, err)
	_, err = Generate(Input{Rows: rows(1), Backends: []string{"b"}, Samples: 1}, nil)
	assert.Error(t, err)
	_, err = Generate(Input{Rows: rows(1), Prompts: prompts(), Samples: 1}, nil)
	assert.Error(t, err)
}

// TestGenerateRejectsDuplicateKeys verifies that inputs which would give two
// tasks the same natural key are refused instead of colliding.
func TestGenerateRejectsDuplicateKeys(t *testing.T) {
	tests := []struct {
		name     string
		prompts  []types.Prompt
		backends []string
		want     error
	}{
		{
			name: "prompt name",
			prompts: []types.Prompt{
				{Name: "cot", Text: "Think step by step."},
				{Name: "cot", Text: "Reason carefully."},
			},
			backends: []string{"GPT-o3"},
			want:     ErrDuplicatePrompt,
		},
		{
			name:     "backend",
			prompts:  prompts(),
			backends: []string{"GPT-o3", "GPT-o3"},
			want:     ErrDuplicateBackend,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Generate(Input{Job: "exp1", Rows: rows(1), Prompts: tt.prompts, Backends: tt.backends, Samples: 1}, nil)
			require.ErrorIs(t, err, tt.want)
			assert.Empty(t, out.Tasks)
		})
	}
}

func TestBuildPayloadHint(t *testing.T) {
	row := types.Row{ID: "7", Question: "What is 2+2?", Hint: "Count."}

	plain := BuildPayload(row, types.Prompt{Name: "p", Text: "Answer."})
	assert.Equal(t, "Answer.", plain.System)
	assert.Equal(t, "Question: What is 2+2?", plain.User)

	hinted := BuildPayload(row, types.Prompt{Name: "h", Text: "Use the Hint."})
	assert.Equal(t, "Question: What is 2+2?\nHint: Count.", hinted.User)

	row.Hint = ""
	noHint := BuildPayload(row, types.Prompt{Name: "h", Text: "Use the Hint."})
	assert.Equal(t, "Question: What is 2+2?", noHint.User)
}
