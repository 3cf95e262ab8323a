package backend

import (
	"context"
	"errors"
	"net/http"

	"github.com/ChuLiYu/querybatch/internal/config"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/pkg/types"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	cfg    config.BackendConfig
	client *openai.Client
}

var _ Backend = (*OpenAI)(nil)

// NewOpenAI creates a client for cfg. A nil httpClient uses the library default.
func NewOpenAI(cfg config.BackendConfig, apiKey string, httpClient *http.Client) *OpenAI {
	oc := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if httpClient != nil {
		oc.HTTPClient = httpClient
	}
	return &OpenAI{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

// Client exposes the underlying client for the batch provider.
func (o *OpenAI) Client() *openai.Client {
	return o.client
}

// Request builds the chat completion request for a payload.
func (o *OpenAI) Request(payload types.Payload) openai.ChatCompletionRequest {
	return ChatRequest(o.cfg, payload)
}

// ChatRequest builds a system + user chat completion request.
func ChatRequest(cfg config.BackendConfig, payload types.Payload) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: payload.System},
			{Role: openai.ChatMessageRoleUser, Content: payload.User},
		},
		Temperature: cfg.Temperature,
	}
	if cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = cfg.MaxTokens
	}
	return req
}

// Call implements Backend.
func (o *OpenAI) Call(ctx context.Context, payload types.Payload) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.Request(payload))
	if err != nil {
		return "", TranslateOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", failure.New(failure.KindMalformed, "response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// TranslateOpenAIError maps go-openai errors onto the taxonomy. Transport
// errors are returned unchanged for failure.Classify.
func TranslateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return failure.Wrap(failure.FromHTTPStatus(apiErr.HTTPStatusCode), err, "")
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return failure.Wrap(failure.FromHTTPStatus(reqErr.HTTPStatusCode), err, "")
	}

	return err
}
