package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/llm"
)

const (
	name          = "anthropic"
	apiVersion    = "2023-06-01"
	defaultBase   = "https://api.anthropic.com/v1"
	fallbackModel = "claude-3-haiku-20240307"
)

// Provider talks to the Messages API over plain HTTP
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
}

func NewProvider(apiKey, model string) *Provider {
	if model == "" {
		model = fallbackModel
	}
	return &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: defaultBase,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// NewFactory builds providers from a bot's own key
func NewFactory(model string) llm.ProviderFactory {
	return func(cfg map[string]any) (llm.Provider, error) {
		key := llm.ConfigString(cfg, "api_key")
		if key == "" {
			return nil, errors.New("missing api_key")
		}
		m := llm.ConfigString(cfg, "model")
		if m == "" {
			m = model
		}
		return NewProvider(key, m), nil
	}
}

// WithBaseURL points the provider at another endpoint
func (p *Provider) WithBaseURL(url string) *Provider {
	p.baseURL = strings.TrimRight(url, "/")
	return p
}

func (p *Provider) Name() string         { return name }
func (p *Provider) DefaultModel() string { return p.model }
func (p *Provider) IsConfigured() bool   { return p.apiKey != "" }

func (p *Provider) AvailableModels() []string {
	return []string{
		"claude-3-haiku-20240307",
		"claude-3-5-haiku-20241022",
		"claude-3-5-sonnet-20241022",
		"claude-3-opus-20240229",
	}
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	System      string  `json:"system,omitempty"`
	Messages    []turn  `json:"messages"`
	Temperature float64 `json:"temperature"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// GenerateReply sends the merged history; the API requires strictly
// alternating roles starting with a user turn.
func (p *Provider) GenerateReply(ctx context.Context, req llm.Request) (*llm.Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	merged := llm.MergeTurns(req.History)
	if len(merged) == 0 {
		return nil, errors.New("anthropic needs at least one user turn")
	}
	msgs := make([]turn, len(merged))
	for i, t := range merged {
		msgs[i] = turn{Role: t.Role, Content: t.Content}
	}

	start := time.Now()
	var out messagesResponse
	err := llm.PostJSON(ctx, p.client, name, p.baseURL+"/messages", map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": apiVersion,
	}, messagesRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		System:      req.SystemPrompt,
		Messages:    msgs,
		Temperature: req.Temperature,
	}, &out)
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range out.Content {
		if block.Type == "" || block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("anthropic returned no text")
	}

	return &llm.Response{
		Text:       text.String(),
		Model:      model,
		TokensUsed: out.Usage.InputTokens + out.Usage.OutputTokens,
		LatencyMs:  time.Since(start).Milliseconds(),
	}, nil
}
