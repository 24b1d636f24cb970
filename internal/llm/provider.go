package llm

import "context"

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of conversation history
type ChatMessage struct {
	Role    string
	Content string
}

// Request contains reply generation parameters
type Request struct {
	SystemPrompt string
	History      []ChatMessage
	Model        string
	Temperature  float64
	MaxTokens    int
}

// Response contains LLM generation result
type Response struct {
	Text       string
	Model      string
	TokensUsed int
	LatencyMs  int64
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// AvailableModels returns list of supported models
	AvailableModels() []string

	// DefaultModel returns the default model
	DefaultModel() string

	// IsConfigured checks if provider has valid credentials
	IsConfigured() bool

	// GenerateReply produces the next assistant turn for a conversation
	GenerateReply(ctx context.Context, req Request) (*Response, error)
}

// ProviderFactory builds a provider from per-call settings such as a bot's own API key
type ProviderFactory func(config map[string]any) (Provider, error)

// ConfigString reads a string setting from a factory config
func ConfigString(config map[string]any, key string) string {
	v, _ := config[key].(string)
	return v
}
