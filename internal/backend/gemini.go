package backend

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiClient creates a client. The SDK client for the configured key is
// built lazily on first use; override keys get a client per call.
func NewGeminiClient(baseURL, apiKey string, hc *http.Client) *GeminiClient {
	if hc == nil {
		hc = newHTTPClient()
	}
	return &GeminiClient{baseURL: baseURL, apiKey: apiKey, http: hc}
}

func (c *GeminiClient) sdkClient(ctx context.Context, key string) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: c.http,
	}
	if c.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: c.baseURL}
	}
	return genai.NewClient(ctx, cfg)
}

func (c *GeminiClient) clientFor(ctx context.Context, override string) (*genai.Client, error) {
	if override != "" {
		return c.sdkClient(ctx, override)
	}
	c.once.Do(func() {
		c.client, c.initErr = c.sdkClient(ctx, c.apiKey)
	})
	return c.client, c.initErr
}

// Complete implements Client.
func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	if req.APIKey == "" && c.apiKey == "" {
		return Response{}, missingKey(ProviderGemini)
	}

	client, err := c.clientFor(ctx, req.APIKey)
	if err != nil {
		return Response{}, &Error{Provider: ProviderGemini, Reason: ReasonConfig, Err: err}
	}

	cfg := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return Response{}, geminiError(ctx, err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Response{}, malformed(ProviderGemini, "empty completion")
	}

	out := Response{
		Text:    text,
		Model:   req.Model,
		Latency: time.Since(start),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int64(u.PromptTokenCount)
		out.OutputTokens = int64(u.CandidatesTokenCount)
	}
	return out, nil
}

func geminiError(ctx context.Context, err error) *Error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider:   ProviderGemini,
			Reason:     reasonForStatus(apiErr.Code),
			StatusCode: apiErr.Code,
			Err:        errors.New(apiErr.Message),
		}
	}
	return transportError(ctx, ProviderGemini, err)
}
