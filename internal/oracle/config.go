package oracle

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	defaultTimeout = 60 * time.Second
)

type Config struct {
	Provider    string
	ModelName   string
	Temperature float64
	Streaming   bool
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
}

// New builds the backend named by cfg.Provider. It performs no network calls.
func New(cfg Config) (Oracle, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.Temperature < 0 || cfg.Temperature > 1 {
		return nil, fmt.Errorf("temperature must be within [0,1], got %v", cfg.Temperature)
	}
	switch provider {
	case ProviderOpenAI:
		return newOpenAI(cfg)
	case ProviderOllama:
		return newOllama(cfg)
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s, %s)", ErrUnknownProvider, cfg.Provider, ProviderOpenAI, ProviderOllama)
	}
}

func httpClient(cfg Config) *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{Timeout: timeout}
}
