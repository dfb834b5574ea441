package providers

import "net/http"

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai"

// GeminiConfig holds configuration for the Gemini adapter.
type GeminiConfig struct {
	// BaseURL overrides the API root (default: Google's OpenAI-compatible
	// endpoint under generativelanguage.googleapis.com).
	BaseURL string

	// Tokens supplies the API key, sent as a bearer credential.
	Tokens TokenSource

	// HTTPClient overrides the shared client.
	HTTPClient *http.Client
}

// NewGeminiProvider creates a Gemini adapter. Google exposes Gemini models
// through a Chat Completions-compatible surface, so the adapter reuses the
// OpenAI wire path under a distinct backend name and endpoint.
func NewGeminiProvider(cfg GeminiConfig) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return NewOpenAIProvider(OpenAIConfig{
		BaseURL:    baseURL,
		Tokens:     cfg.Tokens,
		Name:       "gemini",
		HTTPClient: cfg.HTTPClient,
	})
}
