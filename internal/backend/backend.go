// Package backend talks to the AI completion providers.
//
// A Candidate describes one configured model; a Client performs a single
// completion against a provider. Clients never retry: fallback across
// candidates is the caller's job. Provider API keys are held in memory only
// and a per-request override key replaces the configured key when present.
package backend

import (
	"context"
	"time"
)

// Provider identifies an upstream AI API.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// providerBaseURLs maps providers to their default API base URLs.
var providerBaseURLs = map[Provider]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com/v1",
	ProviderGemini:    "https://generativelanguage.googleapis.com/",
}

// Known reports whether p is a supported provider.
func (p Provider) Known() bool {
	_, ok := providerBaseURLs[p]
	return ok
}

// Size limits for provider responses.
const maxResponseBodySize = 4 << 20

// Request is a single completion call.
type Request struct {
	System    string
	Prompt    string
	Model     string
	MaxTokens int
	// APIKey overrides the client's configured key when non-empty.
	APIKey string
}

// Response is a successful completion.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Latency      time.Duration
}

// Client performs completions against one provider.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

// Complete implements Client.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
