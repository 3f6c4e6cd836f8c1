package llm

import (
	"sync"
	"time"

	"chat-relay/pkg/utils"
)

// DefaultBaseURL is the OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Config contains configuration for the upstream completion API.
type Config struct {
	// APIKey is the OpenRouter API key sent as a bearer token
	APIKey string
	// BaseURL is the API root; "/chat/completions" is appended
	BaseURL string
	// Referer and Title identify the application to OpenRouter
	Referer string
	Title   string
	// ConnectTimeout bounds dialing and the TLS handshake
	ConnectTimeout time.Duration
	// HeaderTimeout bounds the wait for response headers
	HeaderTimeout time.Duration
	// IdleTimeout aborts a stream that delivers no bytes for this long
	IdleTimeout time.Duration
	// Temperature is the fixed sampling temperature
	Temperature float64
	// MaxTokens caps the length of each reply
	MaxTokens int
	// CatalogPath optionally overrides the embedded model catalog
	CatalogPath string
}

var (
	// config is the singleton instance of the configuration
	config *Config
	// configOnce ensures the configuration is initialized only once
	configOnce sync.Once
)

// GetConfig returns the singleton upstream configuration, loading it from the
// environment on first call.
func GetConfig() *Config {
	configOnce.Do(func() {
		config = ConfigFromEnv()
	})
	return config
}

// ConfigFromEnv reads a fresh Config from environment variables:
//
//	OPENROUTER_API_KEY, OPENROUTER_BASE_URL, OPENROUTER_REFERER, OPENROUTER_TITLE,
//	UPSTREAM_CONNECT_TIMEOUT, UPSTREAM_HEADER_TIMEOUT, UPSTREAM_IDLE_TIMEOUT,
//	UPSTREAM_TEMPERATURE, UPSTREAM_MAX_TOKENS, MODEL_CATALOG_PATH
func ConfigFromEnv() *Config {
	return &Config{
		APIKey:         utils.GetEnvWithDefault("OPENROUTER_API_KEY", ""),
		BaseURL:        utils.GetEnvWithDefault("OPENROUTER_BASE_URL", DefaultBaseURL),
		Referer:        utils.GetEnvWithDefault("OPENROUTER_REFERER", "http://localhost:3000"),
		Title:          utils.GetEnvWithDefault("OPENROUTER_TITLE", "Chat Relay"),
		ConnectTimeout: utils.GetEnvDuration("UPSTREAM_CONNECT_TIMEOUT", 10*time.Second),
		HeaderTimeout:  utils.GetEnvDuration("UPSTREAM_HEADER_TIMEOUT", 30*time.Second),
		IdleTimeout:    utils.GetEnvDuration("UPSTREAM_IDLE_TIMEOUT", 45*time.Second),
		Temperature:    utils.GetEnvFloat("UPSTREAM_TEMPERATURE", 0.7),
		MaxTokens:      utils.GetEnvInt("UPSTREAM_MAX_TOKENS", 2000),
		CatalogPath:    utils.GetEnvWithDefault("MODEL_CATALOG_PATH", ""),
	}
}
