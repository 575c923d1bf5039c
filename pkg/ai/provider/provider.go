// Package provider builds chat models from the provider fields of an agent node.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/OFFIS-RIT/flowforge/backend/internal/util"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai/ollama"
	"github.com/OFFIS-RIT/flowforge/backend/pkg/ai/openai"
)

const (
	OpenAI = "openai"
	Groq   = "groq"
	Azure  = "azure"
	Ollama = "ollama"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// Config selects and configures one chat model. Empty fields are filled from
// Env (the workflow's own .env overlay) and then from the process environment.
type Config struct {
	Provider      string
	Model         string
	APIKey        string
	BaseURL       string
	APIVersion    string
	AzureEndpoint string
	Temperature   float64

	Env map[string]string
}

// keyVars names the overlay variable holding each provider's key.
var keyVars = map[string]string{
	OpenAI: "OPENAI_API_KEY",
	Groq:   "GROQ_API_KEY",
	Azure:  "AZURE_OPENAI_API_KEY",
	Ollama: "OLLAMA_API_KEY",
}

func (c Config) lookup(key string) string {
	return c.Env[key]
}

// Resolve fills empty fields from the fallbacks and normalizes the provider name.
func (c Config) Resolve() Config {
	if c.Provider == "" {
		c.Provider = util.GetEnvString("AI_ADAPTER", OpenAI)
	}
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))

	if c.APIKey == "" {
		c.APIKey = c.lookup(keyVars[c.Provider])
	}
	if c.APIKey == "" {
		c.APIKey = util.GetEnvString("AI_CHAT_KEY", "")
	}
	if c.Model == "" {
		c.Model = util.GetEnvString("AI_CHAT_MODEL", "")
	}
	if c.BaseURL == "" && (c.Provider == OpenAI || c.Provider == Ollama) {
		c.BaseURL = util.GetEnvString("AI_CHAT_URL", "")
	}
	if c.Provider == Azure {
		if c.AzureEndpoint == "" {
			c.AzureEndpoint = c.lookup("AZURE_OPENAI_ENDPOINT")
		}
		if c.APIVersion == "" {
			c.APIVersion = c.lookup("OPENAI_API_VERSION")
		}
	}
	return c
}

// New creates the chat model named by cfg.Provider.
func New(cfg Config) (ai.ChatModel, error) {
	cfg = cfg.Resolve()

	switch cfg.Provider {
	case OpenAI, Groq:
		base := cfg.BaseURL
		if cfg.Provider == Groq && base == "" {
			base = openai.GroqBaseURL
		}
		return openai.NewChatModel(openai.NewChatModelParams{
			Model:       cfg.Model,
			BaseURL:     base,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
		})
	case Azure:
		if cfg.APIVersion == "" || cfg.AzureEndpoint == "" {
			return nil, fmt.Errorf("azure provider requires api_version and azure_endpoint")
		}
		return openai.NewChatModel(openai.NewChatModelParams{
			Model:       cfg.Model,
			APIKey:      cfg.APIKey,
			Temperature: cfg.Temperature,
			Azure:       &openai.AzureParams{Endpoint: cfg.AzureEndpoint, APIVersion: cfg.APIVersion},
		})
	case Ollama:
		return ollama.NewChatModel(ollama.NewChatModelParams{
			Model:                 cfg.Model,
			BaseURL:               cfg.BaseURL,
			APIKey:                cfg.APIKey,
			Temperature:           cfg.Temperature,
			MaxConcurrentRequests: int64(util.GetEnvInt("AI_PARALLEL_REQ", 4)),
		})
	default:
		return nil, fmt.Errorf("%w: %q (supported: openai, groq, azure, ollama)", ErrUnsupportedProvider, cfg.Provider)
	}
}

// FromNode reads the provider fields of an agent node's data. Both the
// snake_case keys and the original capitalized ones are accepted.
func FromNode(data map[string]any) Config {
	str := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := data[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}
	cfg := Config{
		Provider:      str("provider"),
		Model:         str("model"),
		APIKey:        str("API_key", "api_key"),
		BaseURL:       str("base_url"),
		APIVersion:    str("api_version", "API_Version"),
		AzureEndpoint: str("azure_endpoint", "Azure_Endpoint"),
	}
	switch t := data["temperature"].(type) {
	case float64:
		cfg.Temperature = t
	case int:
		cfg.Temperature = float64(t)
	}
	return cfg
}
