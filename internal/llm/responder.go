package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rrens/social-inbox/internal/domain"
	"github.com/Rrens/social-inbox/internal/metrics"
	"github.com/Rrens/social-inbox/internal/security"
)

// Responder turns a bot config and conversation history into a reply,
// bounded by a timeout. Every failure maps to ErrResponderTimeout or
// ErrResponderUnavailable; calls are never retried here.
type Responder struct {
	router    *Router
	encryptor *security.Encryptor
	timeout   time.Duration
}

// NewResponder creates a responder; encryptor may be nil when bots carry no own keys
func NewResponder(router *Router, encryptor *security.Encryptor, timeout time.Duration) *Responder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Responder{router: router, encryptor: encryptor, timeout: timeout}
}

// GenerateReply asks the bot's provider for the next reply
func (r *Responder) GenerateReply(ctx context.Context, bot *domain.AIBot, history []domain.Message) (string, error) {
	provider, err := r.provider(bot)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrResponderUnavailable, err)
	}

	// Unset falls back to the default; an explicit 0 is kept.
	temperature := domain.DefaultBotTemperature
	if bot.Temperature != nil {
		temperature = *bot.Temperature
	}
	maxTokens := bot.MaxTokens
	if maxTokens <= 0 {
		maxTokens = domain.DefaultBotMaxTokens
	}
	window := bot.ContextWindowMessages
	if window <= 0 {
		window = domain.DefaultBotContextWindow
	}

	req := Request{
		SystemPrompt: bot.SystemPrompt,
		History:      BuildHistory(history, window),
		Model:        bot.Model,
		Temperature:  temperature,
		MaxTokens:    maxTokens,
	}
	if len(req.History) == 0 {
		return "", fmt.Errorf("%w: empty conversation history", domain.ErrResponderUnavailable)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := provider.GenerateReply(ctx, req)
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		metrics.RecordResponder(provider.Name(), "timeout", time.Since(start))
		return "", fmt.Errorf("%w: %s after %s", domain.ErrResponderTimeout, provider.Name(), r.timeout)
	case err != nil:
		metrics.RecordResponder(provider.Name(), "error", time.Since(start))
		return "", fmt.Errorf("%w: %v", domain.ErrResponderUnavailable, err)
	}
	metrics.RecordResponder(provider.Name(), "ok", time.Since(start))

	text := CleanReply(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty reply from %s", domain.ErrResponderUnavailable, provider.Name())
	}
	return text, nil
}

func (r *Responder) provider(bot *domain.AIBot) (Provider, error) {
	if bot.EncryptedAPIKey == "" || r.encryptor == nil {
		return r.router.Resolve(bot.Provider, nil)
	}

	apiKey, err := r.encryptor.DecryptString(bot.EncryptedAPIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt bot api key: %w", err)
	}
	return r.router.Resolve(bot.Provider, map[string]any{
		"api_key": apiKey,
		"model":   bot.Model,
	})
}
