package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/llm"
)

const name = "ollama"

// Provider calls a self-hosted Ollama server; it needs no key
type Provider struct {
	host   string
	model  string
	client *http.Client
}

func NewProvider(host, model string) *Provider {
	if model == "" {
		model = "llama3"
	}
	return &Provider{
		host:   strings.TrimRight(host, "/"),
		model:  model,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

func (p *Provider) Name() string         { return name }
func (p *Provider) DefaultModel() string { return p.model }
func (p *Provider) IsConfigured() bool   { return p.host != "" }

func (p *Provider) AvailableModels() []string {
	return []string{"llama3", "llama3.1", "llama3.2", "mistral", "mixtral", "phi3", "qwen2.5", "gemma2"}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResponse struct {
	Message   message `json:"message"`
	EvalCount int     `json:"eval_count"`
}

func (p *Provider) GenerateReply(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]message, 0, len(req.History)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, message{Role: llm.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.History {
		msgs = append(msgs, message{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	var out chatResponse
	err := llm.PostJSON(ctx, p.client, name, p.host+"/api/chat", nil, chatRequest{
		Model:    model,
		Messages: msgs,
		Options:  map[string]any{"temperature": req.Temperature, "num_predict": req.MaxTokens},
	}, &out)
	if err != nil {
		return nil, err
	}

	return &llm.Response{
		Text:       out.Message.Content,
		Model:      model,
		TokensUsed: out.EvalCount,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
