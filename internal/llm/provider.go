// Package llm provides a provider-agnostic chat completion adapter.
// Every supported backend speaks the OpenAI chat completions protocol, so a
// single go-openai client serves OpenAI, OpenRouter, Google and Ollama.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "openai/gpt-5-mini").
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // Max tokens to generate (0 = provider default)
	Temperature float64 // 0.0-2.0 (0 = deterministic)
	Model       string  // Override model for this request (empty = use provider default)
	Format      string  // "json" for structured output, empty for plain text
	System      string  // System prompt (optional)
}

// Config holds provider configuration.
type Config struct {
	Provider string        // "openai", "openrouter", "google", "ollama"
	Model    string        // e.g., "gpt-5-mini", "openai/gpt-4o-mini"
	APIKey   string        // API key (empty = read from env)
	BaseURL  string        // Optional URL override
	Timeout  time.Duration // Per-request timeout (0 = 60s)
}

// DefaultLLM is used when no --llm flag or config value is given.
const DefaultLLM = "openai/gpt-5-mini"

type providerSpec struct {
	baseURL      string
	defaultModel string
	keyEnv       []string
	keyOptional  bool
}

var providers = map[string]providerSpec{
	"openai": {
		baseURL:      "https://api.openai.com/v1",
		defaultModel: "gpt-5-mini",
		keyEnv:       []string{"OPENAI_API_KEY"},
	},
	"openrouter": {
		baseURL:      "https://openrouter.ai/api/v1",
		defaultModel: "openai/gpt-4o-mini",
		keyEnv:       []string{"OPENROUTER_API_KEY"},
	},
	"google": {
		baseURL:      "https://generativelanguage.googleapis.com/v1beta/openai/",
		defaultModel: "gemini-2.5-flash",
		keyEnv:       []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	},
	"ollama": {
		baseURL:      "http://localhost:11434/v1",
		defaultModel: "llama3.1",
		keyOptional:  true,
	},
}

// SupportedProviders lists provider names accepted by NewProvider.
func SupportedProviders() []string {
	return []string{"openai", "openrouter", "google", "ollama"}
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(cfg.Provider)
	spec, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s)", cfg.Provider, strings.Join(SupportedProviders(), ", "))
	}

	key := cfg.APIKey
	for _, env := range spec.keyEnv {
		if key != "" {
			break
		}
		key = os.Getenv(env)
	}
	if key == "" && !spec.keyOptional {
		return nil, fmt.Errorf("%s provider requires %s env var", name, strings.Join(spec.keyEnv, " or "))
	}
	if key == "" {
		key = "ollama"
	}

	model := cfg.Model
	if model == "" {
		model = spec.defaultModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = spec.baseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return newOpenAIProvider(name, key, model, baseURL, timeout), nil
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "openai/gpt-5-mini", "openrouter/openai/gpt-4o-mini"
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		flag = DefaultLLM
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., %s)", flag, DefaultLLM)
	}

	provider := strings.ToLower(parts[0])
	if _, ok := providers[provider]; !ok {
		return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: %s)", provider, strings.Join(SupportedProviders(), ", "))
	}
	return Config{Provider: provider, Model: parts[1]}, nil
}
