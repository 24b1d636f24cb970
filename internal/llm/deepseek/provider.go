package deepseek

import (
	"errors"

	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/Rrens/social-inbox/internal/llm/openai"
)

const baseURL = "https://api.deepseek.com/v1"

var models = []string{
	"deepseek-chat",
	"deepseek-reasoner",
}

// NewProvider creates a new DeepSeek provider. DeepSeek speaks the OpenAI chat protocol.
func NewProvider(apiKey, defaultModel string) llm.Provider {
	if defaultModel == "" {
		defaultModel = "deepseek-chat"
	}
	return openai.NewCompatible("deepseek", apiKey, defaultModel, baseURL, models)
}

// NewFactory returns a factory building providers from a bot's own key
func NewFactory(defaultModel string) llm.ProviderFactory {
	return func(config map[string]any) (llm.Provider, error) {
		apiKey := llm.ConfigString(config, "api_key")
		if apiKey == "" {
			return nil, errors.New("missing api_key")
		}
		model := llm.ConfigString(config, "model")
		if model == "" {
			model = defaultModel
		}
		return NewProvider(apiKey, model), nil
	}
}
