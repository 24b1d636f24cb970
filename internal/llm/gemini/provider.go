package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type Provider struct {
	apiKey string
	model  string
}

func NewProvider(cfg config.GeminiConfig) *Provider {
	return &Provider{
		apiKey: cfg.APIKey,
		model:  cfg.Model,
	}
}

// NewFactory returns a factory building providers from a bot's own key
func NewFactory(defaultModel string) llm.ProviderFactory {
	return func(cfg map[string]any) (llm.Provider, error) {
		apiKey := llm.ConfigString(cfg, "api_key")
		if apiKey == "" {
			return nil, errors.New("missing api_key")
		}
		model := llm.ConfigString(cfg, "model")
		if model == "" {
			model = defaultModel
		}
		return NewProvider(config.GeminiConfig{APIKey: apiKey, Model: model}), nil
	}
}

func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) AvailableModels() []string {
	return []string{
		"gemini-2.5-flash",
		"gemini-1.5-flash",
		"gemini-1.5-pro",
	}
}

func (p *Provider) DefaultModel() string {
	if p.model != "" {
		return p.model
	}
	return "gemini-2.5-flash"
}

func (p *Provider) IsConfigured() bool {
	return p.apiKey != ""
}

func (p *Provider) GenerateReply(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if !p.IsConfigured() {
		return nil, errors.New("gemini provider is not configured")
	}

	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}

	turns := llm.MergeTurns(req.History)
	if len(turns) == 0 || turns[len(turns)-1].Role != llm.RoleUser {
		return nil, errors.New("gemini needs a trailing user turn")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(p.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer client.Close()

	generativeModel := client.GenerativeModel(model)
	generativeModel.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		generativeModel.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.SystemPrompt != "" {
		generativeModel.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.SystemPrompt)}}
	}

	chat := generativeModel.StartChat()
	chat.History = toHistory(turns[:len(turns)-1])

	start := time.Now()
	resp, err := chat.SendMessage(ctx, genai.Text(turns[len(turns)-1].Content))
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return nil, fmt.Errorf("gemini generation error: %w", err)
	}

	output := candidateText(resp)
	if output == "" {
		return nil, errors.New("empty response from gemini")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	return &llm.Response{
		Text:       output,
		Model:      model,
		TokensUsed: tokens,
		LatencyMs:  latency,
	}, nil
}

// toHistory maps chat turns onto Gemini's user/model roles
func toHistory(turns []llm.ChatMessage) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == llm.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(t.Content)}})
	}
	return history
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}
	return b.String()
}
