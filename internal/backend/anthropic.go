package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

// AnthropicClient calls the Anthropic messages API.
type AnthropicClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewAnthropicClient creates a client. An empty baseURL selects the public Anthropic API.
func NewAnthropicClient(baseURL, apiKey string, hc *http.Client) *AnthropicClient {
	if baseURL == "" {
		baseURL = providerBaseURLs[ProviderAnthropic]
	}
	if hc == nil {
		hc = newHTTPClient()
	}
	return &AnthropicClient{baseURL: strings.TrimRight(baseURL, "/"), apiKey: apiKey, http: hc}
}

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	key := req.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key == "" {
		return Response{}, missingKey(ProviderAnthropic)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024 // required by the messages API
	}
	body := anthropicRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []anthropicMessage{{Role: "user", Content: req.Prompt}},
	}

	header := http.Header{}
	header.Set("X-API-Key", key)
	header.Set("anthropic-version", anthropicVersion)

	raw, err := postJSON(ctx, c.http, ProviderAnthropic, c.baseURL+"/messages", header, body)
	if err != nil {
		return Response{}, err
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Response{}, malformed(ProviderAnthropic, "decode response: %v", err)
	}
	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Response{}, malformed(ProviderAnthropic, "no text content in response")
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	return Response{
		Text:         text,
		Model:        model,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
		Latency:      time.Since(start),
	}, nil
}
