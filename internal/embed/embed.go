// Package embed provides text-to-vector embedding via OpenAI-compatible APIs.
//
// Supports multiple providers:
// - openai: https://api.openai.com/v1
// - openrouter: https://openrouter.ai/api/v1
// - google: https://generativelanguage.googleapis.com/v1beta/openai/
// - ollama: http://localhost:11434/v1
// - custom: user-specified base URL
//
// All providers are reached through the go-openai client. Vectors are
// L2-normalised so cosine similarity reduces to a dot product.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// DefaultEmbed is used when no --embed flag or config value is given.
const DefaultEmbed = "openai/text-embedding-3-large"

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider    string // "openai", "openrouter", "google", "ollama", "custom"
	Model       string // model name
	BaseURL     string // OpenAI-compatible API root (…/v1)
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
}

// Client implements Embedder with go-openai.
type Client struct {
	config     EmbedConfig
	client     *openai.Client
	dimensions atomic.Int64 // detected on first call
	backoff    time.Duration
}

// ParseEmbedFlag parses "--embed provider/model" format.
// Handles model names with slashes like "openrouter/sentence-transformers/all-MiniLM-L6-v2"
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]

	if provider == "" {
		return nil, fmt.Errorf("empty provider in --embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in --embed flag: %q", flag)
	}

	config := &EmbedConfig{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch provider {
	case "ollama":
		config.BaseURL = "http://localhost:11434/v1"
	case "openai":
		config.BaseURL = "https://api.openai.com/v1"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		config.BaseURL = "https://openrouter.ai/api/v1"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "google":
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"
		config.APIKey = os.Getenv("GEMINI_API_KEY")
	case "custom":
		config.BaseURL = os.Getenv("FACTS_EMBED_BASE_URL")
		config.APIKey = os.Getenv("FACTS_EMBED_API_KEY")
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: openai, openrouter, google, ollama, custom", provider)
	}

	if baseURL := os.Getenv("FACTS_EMBED_BASE_URL"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if apiKey := os.Getenv("FACTS_EMBED_API_KEY"); apiKey != "" {
		config.APIKey = apiKey
	}

	return config, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *EmbedConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	// Ollama and test servers don't need a key
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config *EmbedConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key := config.APIKey
	if key == "" {
		key = "none"
	}
	oc := openai.DefaultConfig(key)
	oc.BaseURL = strings.TrimRight(config.BaseURL, "/")
	oc.HTTPClient = &http.Client{Timeout: time.Duration(config.TimeoutSecs) * time.Second}

	return &Client{
		config:  *config,
		client:  openai.NewClientWithConfig(oc),
		backoff: time.Second,
	}, nil
}

// Name returns "provider/model".
func (c *Client) Name() string {
	return c.config.Provider + "/" + c.config.Model
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty text")
	}

	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embeddings))
	}
	return embeddings[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts in a single API
// call. Blank texts yield nil vectors at their positions.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	nonEmpty := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmpty = append(nonEmpty, text)
			indexMap = append(indexMap, i)
		}
	}
	result := make([][]float32, len(texts))
	if len(nonEmpty) == 0 {
		return result, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		embeddings, err := c.attemptEmbedBatch(ctx, nonEmpty)
		if err == nil {
			for i, embedding := range embeddings {
				result[indexMap[i]] = embedding
			}
			if len(embeddings[0]) > 0 {
				c.dimensions.Store(int64(len(embeddings[0])))
			}
			return result, nil
		}
		lastErr = err

		if attempt == c.config.MaxRetries || !retryable(err) {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(1<<attempt) * c.backoff):
		}
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Dimensions returns the dimensionality of embeddings from this client.
// Returns 0 if no embeddings have been generated yet.
func (c *Client) Dimensions() int {
	return int(c.dimensions.Load())
}

func (c *Client) attemptEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.Model),
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		embeddings[data.Index] = Normalize(data.Embedding)
	}
	return embeddings, nil
}

// retryable reports whether an API error is worth another attempt: rate
// limits, server errors and transport failures are; other 4xx are not.
func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

// Normalize scales v to unit length. Zero vectors are returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
