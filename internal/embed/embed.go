// Package embed provides text-to-vector embedding for policy text.
//
// Remote providers speak the OpenAI-compatible /v1/embeddings format:
// - ollama: http://localhost:11434/v1/embeddings
// - openai: https://api.openai.com/v1/embeddings
// - openrouter: https://openrouter.ai/api/v1/embeddings
// - deepseek: https://api.deepseek.com/v1/embeddings
// - custom: user-specified endpoint
//
// The "local" provider runs an ONNX sentence-transformer model in-process
// (see local.go) and needs no network at all.
//
// Embedding calls are idempotent and side-effect-free. Retry with backoff
// lives here, in the provider's own transport; the analysis engine never
// retries.
package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider    string // "ollama", "openai", "deepseek", "openrouter", "custom", "local"
	Model       string // model name, or model directory for the local provider
	Endpoint    string // full API URL (remote providers)
	APIKey      string
	MaxRetries  int // default: 3
	TimeoutSecs int // per-request timeout (default: 60)
	dimensions  int // auto-detected on first call
}

// Request is an OpenAI-compatible embeddings request.
type Request struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Response is an OpenAI-compatible embeddings response.
type Response struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

// HTTPError represents an HTTP error with additional context.
type HTTPError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Client implements Embedder over an HTTP embeddings API.
type Client struct {
	config Config
	http   *http.Client
}

// ParseFlag parses "provider/model" format. Handles model names with
// slashes like "openrouter/sentence-transformers/all-MiniLM-L6-v2".
func ParseFlag(flag string) (*Config, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]

	if provider == "" {
		return nil, fmt.Errorf("empty provider in embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in embed flag: %q", flag)
	}

	config := &Config{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch provider {
	case "ollama":
		config.Endpoint = "http://localhost:11434/v1/embeddings"
		// No API key needed for Ollama
	case "openai":
		config.Endpoint = "https://api.openai.com/v1/embeddings"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		config.Endpoint = "https://api.deepseek.com/v1/embeddings"
		config.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "openrouter":
		config.Endpoint = "https://openrouter.ai/api/v1/embeddings"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "custom":
		config.Endpoint = os.Getenv("ROLESCOPE_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("ROLESCOPE_EMBED_API_KEY")
	case "local":
		// Model is the path to a directory with model.onnx + tokenizer.json.
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, deepseek, openrouter, custom, local", provider)
	}

	if provider != "local" {
		if endpoint := os.Getenv("ROLESCOPE_EMBED_ENDPOINT"); endpoint != "" {
			config.Endpoint = endpoint
		}
		if apiKey := os.Getenv("ROLESCOPE_EMBED_API_KEY"); apiKey != "" {
			config.APIKey = apiKey
		}
	}

	return config, nil
}

// ResolveFlag resolves the embedding configuration from the CLI flag or the
// ROLESCOPE_EMBED environment variable. Returns nil when neither is set.
func ResolveFlag(cliFlag string) (*Config, error) {
	if cliFlag != "" {
		return ParseFlag(cliFlag)
	}
	if envEmbed := os.Getenv("ROLESCOPE_EMBED"); envEmbed != "" {
		config, err := ParseFlag(envEmbed)
		if err != nil {
			return nil, fmt.Errorf("parsing ROLESCOPE_EMBED env var: %w", err)
		}
		return config, nil
	}
	return nil, nil
}

// Validate checks if the embedding configuration is valid and complete.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider == "local" {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
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

// NewEmbedder builds the Embedder the configuration describes: a local ONNX
// embedder for the "local" provider, an HTTP client otherwise.
func NewEmbedder(config *Config) (Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Provider == "local" {
		return NewLocalEmbedder(config.Model)
	}
	return NewClient(config)
}

// NewClient creates a new HTTP embedding client with the given configuration.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Client{
		config: *config,
		http: &http.Client{
			Timeout: time.Duration(config.TimeoutSecs) * time.Second,
		},
	}, nil
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
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
// call, retrying transient failures with exponential backoff.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// Filter out empty texts; their slots stay nil in the result.
	nonEmptyTexts := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmptyTexts = append(nonEmptyTexts, text)
			indexMap = append(indexMap, i)
		}
	}
	if len(nonEmptyTexts) == 0 {
		return make([][]float32, len(texts)), nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		embeddings, err := c.attemptEmbedBatch(ctx, nonEmptyTexts)
		if err == nil {
			result := make([][]float32, len(texts))
			for i, embedding := range embeddings {
				if i < len(indexMap) {
					result[indexMap[i]] = embedding
				}
			}
			for _, emb := range embeddings {
				if len(emb) > 0 {
					c.config.dimensions = len(emb)
					break
				}
			}
			return result, nil
		}

		lastErr = err
		if attempt == c.config.MaxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		backoffDuration := time.Duration(1<<attempt) * time.Second
		if httpErr, ok := err.(*HTTPError); ok && httpErr.StatusCode == 429 {
			if retryAfter := httpErr.RetryAfter; retryAfter > 0 {
				backoffDuration = retryAfter
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoffDuration):
		}
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Dimensions returns the dimensionality of embeddings from this client.
// Returns 0 if no embeddings have been generated yet.
func (c *Client) Dimensions() int {
	return c.config.dimensions
}

// attemptEmbedBatch makes a single embedding attempt.
func (c *Client) attemptEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := Request{
		Model: c.config.Model,
		Input: texts,
	}

	requestBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	if c.config.Provider == "openrouter" {
		httpReq.Header.Set("HTTP-Referer", "https://github.com/permitlab/rolescope")
		httpReq.Header.Set("X-Title", "rolescope")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != 200 {
		var retryAfter time.Duration
		if retryAfterHeader := resp.Header.Get("Retry-After"); retryAfterHeader != "" {
			if seconds, err := strconv.Atoi(retryAfterHeader); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(body),
			RetryAfter: retryAfter,
		}
	}

	var embedResp Response
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, fmt.Errorf("parsing response JSON: %w", err)
	}

	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(embedResp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range embedResp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		embeddings[data.Index] = data.Embedding
	}

	return embeddings, nil
}
