// Package llm resolves the language model settings handed to automation
// engines. The engine owns the model connection; this package only decides
// which provider, model and credentials it gets.
package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/kandev/browserpilot/internal/common/config"
	"github.com/kandev/browserpilot/internal/common/logger"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"

	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"
	DefaultOllamaModel    = "llama3.1"

	defaultTemperature = 0.1
	defaultTimeout     = 60 * time.Second
)

// Settings is the model configuration an engine is constructed with.
type Settings struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	APIKey      string        `json:"api_key,omitempty"`
	BaseURL     string        `json:"base_url,omitempty"`
	Temperature float64       `json:"temperature"`
	Timeout     time.Duration `json:"timeout"`
}

// Env returns the environment variables a subprocess engine needs to reach
// the provider. Empty values are omitted so inherited variables still apply.
func (s Settings) Env() []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	switch s.Provider {
	case ProviderAnthropic:
		add("ANTHROPIC_API_KEY", s.APIKey)
		add("ANTHROPIC_BASE_URL", s.BaseURL)
	case ProviderOllama:
		add("OLLAMA_HOST", s.BaseURL)
	default:
		add("OPENAI_API_KEY", s.APIKey)
		add("OPENAI_BASE_URL", s.BaseURL)
	}
	return env
}

// String hides the API key.
func (s Settings) String() string {
	return fmt.Sprintf("%s/%s", s.Provider, s.Model)
}

// Resolve picks the provider and model. An explicit provider wins; otherwise
// an OpenAI key selects OpenAI, then an Anthropic key selects Anthropic, and
// with neither OpenAI is used with whatever credentials the environment holds.
func Resolve(cfg config.LLMConfig, log *logger.Logger) (Settings, error) {
	s := Settings{
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout,
	}
	if s.Temperature <= 0 {
		s.Temperature = defaultTemperature
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}

	switch provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider {
	case ProviderOpenAI:
		s.Provider, s.APIKey = ProviderOpenAI, cfg.APIKey
	case ProviderAnthropic:
		s.Provider, s.APIKey = ProviderAnthropic, cfg.AnthropicAPIKey
		if s.APIKey == "" {
			s.APIKey = cfg.APIKey
		}
	case ProviderOllama:
		s.Provider = ProviderOllama
	case "":
		switch {
		case cfg.APIKey != "":
			s.Provider, s.APIKey = ProviderOpenAI, cfg.APIKey
		case cfg.AnthropicAPIKey != "":
			s.Provider, s.APIKey = ProviderAnthropic, cfg.AnthropicAPIKey
		default:
			s.Provider = ProviderOpenAI
			log.Warn("No LLM API key configured, relying on the engine environment")
		}
	default:
		return Settings{}, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}

	if s.Model == "" {
		s.Model = defaultModel(s.Provider)
	}
	return s, nil
}

func defaultModel(provider string) string {
	switch provider {
	case ProviderAnthropic:
		return DefaultAnthropicModel
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return DefaultOpenAIModel
	}
}
