package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ChuLiYu/querybatch/internal/config"
	"github.com/ChuLiYu/querybatch/internal/failure"
	"github.com/ChuLiYu/querybatch/pkg/types"
	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	cfg    config.BackendConfig
	client *genai.Client
}

var _ Backend = (*Gemini)(nil)

// NewGemini creates a Gemini client for cfg. A nil httpClient uses the SDK
// default.
func NewGemini(ctx context.Context, cfg config.BackendConfig, apiKey string, httpClient *http.Client) (*Gemini, error) {
	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Gemini{cfg: cfg, client: client}, nil
}

// Call implements Backend.
func (g *Gemini) Call(ctx context.Context, payload types.Payload) (string, error) {
	gc := &genai.GenerateContentConfig{}
	if payload.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(payload.System, genai.RoleUser)
	}
	if g.cfg.Temperature > 0 {
		t := g.cfg.Temperature
		gc.Temperature = &t
	}
	if g.cfg.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(g.cfg.MaxTokens)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(payload.User), gc)
	if err != nil {
		return "", translateGeminiError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", failure.New(failure.KindMalformed, "response has no candidates")
	}
	return resp.Text(), nil
}

// translateGeminiError maps genai.APIError onto the taxonomy. The Gemini API
// answers an invalid key with 400 INVALID_ARGUMENT, which is an auth failure.
func translateGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.Code == http.StatusBadRequest && strings.Contains(strings.ToLower(apiErr.Message), "api key") {
		return failure.Wrap(failure.KindAuth, err, "")
	}
	return failure.Wrap(failure.FromHTTPStatus(apiErr.Code), err, "")
}
