package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model     string          `json:"model"`
	Messages  []openAIMessage `json:"messages"`
	MaxTokens int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// OpenAIClient calls an OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewOpenAIClient creates a client. An empty baseURL selects the public OpenAI API.
func NewOpenAIClient(baseURL, apiKey string, hc *http.Client) *OpenAIClient {
	if baseURL == "" {
		baseURL = providerBaseURLs[ProviderOpenAI]
	}
	if hc == nil {
		hc = newHTTPClient()
	}
	return &OpenAIClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: hc}
}

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	key := req.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return Response{}, missingKey(ProviderOpenAI)
	}

	body := openAIRequest{Model: req.Model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, openAIMessage{Role: "user", Content: req.Prompt})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+key)

	raw, err := postJSON(ctx, c.http, ProviderOpenAI, c.baseURL+"/chat/completions", header, body)
	if err != nil {
		return Response{}, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, malformed(ProviderOpenAI, "decode response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, malformed(ProviderOpenAI, "no choices in response")
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return Response{}, malformed(ProviderOpenAI, "empty completion")
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Text:         text,
		Model:        model,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Latency:      time.Since(start),
	}, nil
}
