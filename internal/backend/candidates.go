package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Candidate is one configured backend in the fallback order.
type Candidate struct {
	ID        string        `yaml:"id" json:"id"`
	Provider  Provider      `yaml:"provider" json:"provider"`
	Model     string        `yaml:"model" json:"model"`
	Endpoint  string        `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Priority  int           `yaml:"priority" json:"priority"`
	MaxTokens int           `yaml:"max_tokens" json:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

const (
	defaultMaxTokens = 1024
	defaultTimeout   = 30 * time.Second
)

// DefaultCandidates is the fallback order used when no backends file is configured.
func DefaultCandidates() []Candidate {
	return []Candidate{
		{ID: "openai-gpt-4o-mini", Provider: ProviderOpenAI, Model: "gpt-4o-mini", Priority: 1, MaxTokens: defaultMaxTokens, Timeout: defaultTimeout},
		{ID: "anthropic-claude-3-5-haiku", Provider: ProviderAnthropic, Model: "claude-3-5-haiku-latest", Priority: 2, MaxTokens: defaultMaxTokens, Timeout: defaultTimeout},
		{ID: "gemini-2-0-flash", Provider: ProviderGemini, Model: "gemini-2.0-flash", Priority: 3, MaxTokens: defaultMaxTokens, Timeout: defaultTimeout},
	}
}

type candidatesFile struct {
	Backends []Candidate `yaml:"backends"`
}

// LoadCandidates reads a YAML backends file of the form
//
//	backends:
//	  - id: primary
//	    provider: openai
//	    model: gpt-4o-mini
//	    priority: 1
//	    max_tokens: 1024
//	    timeout: 20s
//
// Missing max_tokens and timeout take defaults. The result is validated and sorted.
func LoadCandidates(path string) ([]Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("backend: read %s: %w", path, err)
	}
	return ParseCandidates(data)
}

// ParseCandidates decodes, defaults, validates and sorts a YAML candidate list.
func ParseCandidates(data []byte) ([]Candidate, error) {
	var f candidatesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("backend: parse candidates: %w", err)
	}
	for i := range f.Backends {
		if f.Backends[i].MaxTokens == 0 {
			f.Backends[i].MaxTokens = defaultMaxTokens
		}
		if f.Backends[i].Timeout == 0 {
			f.Backends[i].Timeout = defaultTimeout
		}
	}
	if err := ValidateCandidates(f.Backends); err != nil {
		return nil, err
	}
	SortCandidates(f.Backends)
	return f.Backends, nil
}

// ValidateCandidates checks ids, providers, models and limits.
// An empty list is valid; requests against it fail with no candidates.
func ValidateCandidates(cands []Candidate) error {
	seen := make(map[string]bool, len(cands))
	var errs []error
	for i, c := range cands {
		switch {
		case c.ID == "":
			errs = append(errs, fmt.Errorf("backend %d: id is required", i))
		case seen[c.ID]:
			errs = append(errs, fmt.Errorf("backend %q: duplicate id", c.ID))
		}
		seen[c.ID] = true
		if !c.Provider.Known() {
			errs = append(errs, fmt.Errorf("backend %q: unknown provider %q", c.ID, c.Provider))
		}
		if c.Model == "" {
			errs = append(errs, fmt.Errorf("backend %q: model is required", c.ID))
		}
		if c.MaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("backend %q: max_tokens must be positive", c.ID))
		}
		if c.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("backend %q: timeout must be positive", c.ID))
		}
	}
	return errors.Join(errs...)
}

// SortCandidates orders cands by ascending priority, ties broken by id.
func SortCandidates(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Priority != cands[j].Priority {
			return cands[i].Priority < cands[j].Priority
		}
		return cands[i].ID < cands[j].ID
	})
}

// Keys holds the configured provider API keys.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

// Bound pairs a candidate with the client that serves it.
type Bound struct {
	Candidate
	Client Client
}

// Bind creates a client for every candidate. Candidates sharing a provider
// and endpoint share a client.
func Bind(cands []Candidate, keys Keys, hc *http.Client) []Bound {
	if hc == nil {
		hc = newHTTPClient()
	}
	type clientKey struct {
		p        Provider
		endpoint string
	}
	clients := make(map[clientKey]Client)

	out := make([]Bound, 0, len(cands))
	for _, c := range cands {
		k := clientKey{c.Provider, c.Endpoint}
		cl, ok := clients[k]
		if !ok {
			switch c.Provider {
			case ProviderOpenAI:
				cl = NewOpenAIClient(c.Endpoint, keys.OpenAI, hc)
			case ProviderAnthropic:
				cl = NewAnthropicClient(c.Endpoint, keys.Anthropic, hc)
			case ProviderGemini:
				cl = NewGeminiClient(c.Endpoint, keys.Gemini, hc)
			default:
				cl = ClientFunc(func(_ context.Context, _ Request) (Response, error) {
					return Response{}, &Error{Provider: c.Provider, Reason: ReasonConfig, Err: errors.New("unsupported provider")}
				})
			}
			clients[k] = cl
		}
		out = append(out, Bound{Candidate: c, Client: cl})
	}
	return out
}
