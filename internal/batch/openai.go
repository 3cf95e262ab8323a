package batch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ChuLiYu/querybatch/internal/backend"
	"github.com/ChuLiYu/querybatch/internal/config"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/internal/reconcile"
	"github.com/ChuLiYu/querybatch/pkg/types"
	openai "github.com/sashabaranov/go-openai"
)

const (
	chatCompletionsURL      = "/v1/chat/completions"
	defaultCompletionWindow = "24h"
)

// inputLine is one request of the batch input file.
type inputLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     requestBody `json:"body"`
}

// requestBody always writes temperature. The client library omits a zero
// temperature, which the batch endpoint would read as its default of 1.
type requestBody struct {
	openai.ChatCompletionRequest
	Temperature float32 `json:"temperature"`
}

// outputLine is one line of the batch output file.
type outputLine struct {
	ID       string `json:"id"`
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int             `json:"status_code"`
		RequestID  string          `json:"request_id"`
		Body       json.RawMessage `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// OpenAIProvider runs jobs against the OpenAI batch API.
type OpenAIProvider struct {
	client *openai.Client
	cfg    config.BackendConfig
	window string
	now    func() time.Time
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider submitting requests built from cfg.
// An empty window defaults to 24h.
func NewOpenAIProvider(client *openai.Client, cfg config.BackendConfig, window string) *OpenAIProvider {
	if window == "" {
		window = defaultCompletionWindow
	}
	return &OpenAIProvider{client: client, cfg: cfg, window: window, now: time.Now}
}

// Encode implements Provider.
func (p *OpenAIProvider) Encode(tasks []types.Task) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		line := inputLine{
			CustomID: t.CorrelationID,
			Method:   "POST",
			URL:      chatCompletionsURL,
			Body: requestBody{
				ChatCompletionRequest: backend.ChatRequest(p.cfg, t.Payload),
				Temperature:           p.cfg.Temperature,
			},
		}
		if err := enc.Encode(line); err != nil {
			return nil, fmt.Errorf("encode task %s: %w", t.CorrelationID, err)
		}
	}
	return buf.Bytes(), nil
}

// Submit implements Provider.
func (p *OpenAIProvider) Submit(ctx context.Context, input []byte) (Submission, error) {
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    "batch_input.jsonl",
		Bytes:   input,
		Purpose: openai.PurposeBatch,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("upload batch input: %w", backend.TranslateOpenAIError(err))
	}

	resp, err := p.client.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      file.ID,
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: p.window,
	})
	if err != nil {
		return Submission{}, fmt.Errorf("create batch: %w", backend.TranslateOpenAIError(err))
	}

	return Submission{JobID: resp.ID, InputFileID: file.ID, SubmittedAt: p.now()}, nil
}

// Status implements Provider.
func (p *OpenAIProvider) Status(ctx context.Context, jobID string) (Status, error) {
	resp, err := p.client.RetrieveBatch(ctx, jobID)
	if err != nil {
		return Status{}, fmt.Errorf("retrieve batch %s: %w", jobID, backend.TranslateOpenAIError(err))
	}

	st := Status{
		JobID:     resp.ID,
		State:     JobState(resp.Status),
		Completed: resp.RequestCounts.Completed,
		Failed:    resp.RequestCounts.Failed,
		Total:     resp.RequestCounts.Total,
	}
	if resp.OutputFileID != nil {
		st.OutputFileID = *resp.OutputFileID
	}
	if resp.ErrorFileID != nil {
		st.ErrorFileID = *resp.ErrorFileID
	}
	return st, nil
}

// FetchOutput implements Provider. Per-request failures land in the error
// file; both files are concatenated.
func (p *OpenAIProvider) FetchOutput(ctx context.Context, status Status) ([]byte, error) {
	if status.OutputFileID == "" && status.ErrorFileID == "" {
		return nil, failure.New(failure.KindMalformed, fmt.Sprintf("batch %s completed without an output file", status.JobID))
	}

	var out bytes.Buffer
	for _, id := range []string{status.OutputFileID, status.ErrorFileID} {
		if id == "" {
			continue
		}
		raw, err := p.download(ctx, id)
		if err != nil {
			return nil, err
		}
		out.Write(raw)
		if len(raw) > 0 && raw[len(raw)-1] != '\n' {
			out.WriteByte('\n')
		}
	}
	return out.Bytes(), nil
}

func (p *OpenAIProvider) download(ctx context.Context, fileID string) ([]byte, error) {
	content, err := p.client.GetFileContent(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, backend.TranslateOpenAIError(err))
	}
	defer content.Close()

	raw, err := io.ReadAll(content)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	return raw, nil
}

// ParseLine implements Provider. A line that cannot be attributed to a
// request is returned as an error; everything else becomes a Line.
func (p *OpenAIProvider) ParseLine(raw []byte) (reconcile.Line, error) {
	var l outputLine
	if err := json.Unmarshal(raw, &l); err != nil {
		return reconcile.Line{}, fmt.Errorf("decode output line: %w", err)
	}
	if l.CustomID == "" {
		return reconcile.Line{}, errors.New("output line has no custom_id")
	}

	line := reconcile.Line{CorrelationID: l.CustomID}
	switch {
	case l.Error != nil:
		line.Err = failure.New(kindFromCode(l.Error.Code), fmt.Sprintf("%s: %s", l.Error.Code, l.Error.Message))
	case l.Response == nil:
		line.Err = failure.New(failure.KindMalformed, "output line has no response")
	case l.Response.StatusCode < 200 || l.Response.StatusCode > 299:
		line.Err = failure.New(failure.FromHTTPStatus(l.Response.StatusCode),
			fmt.Sprintf("status %d: %s", l.Response.StatusCode, errorMessage(l.Response.Body)))
	default:
		var body openai.ChatCompletionResponse
		if err := json.Unmarshal(l.Response.Body, &body); err != nil {
			line.Err = failure.Wrap(failure.KindMalformed, err, "decode response body")
			break
		}
		if len(body.Choices) == 0 {
			line.Err = failure.New(failure.KindMalformed, "response has no choices")
			break
		}
		line.Response = types.Ptr(body.Choices[0].Message.Content)
	}
	return line, nil
}

func kindFromCode(code string) failure.Kind {
	switch code {
	case "rate_limit_exceeded":
		return failure.KindRateLimit
	case "invalid_api_key", "unauthorized":
		return failure.KindAuth
	case "timeout", "batch_expired":
		return failure.KindTimeout
	default:
		return failure.KindUnclassified
	}
}

// errorMessage pulls error.message out of an error response body.
func errorMessage(body json.RawMessage) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}
