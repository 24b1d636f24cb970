package gemini

import (
	"context"
	"testing"

	"github.com/Rrens/social-inbox/internal/config"
	"github.com/Rrens/social-inbox/internal/llm"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToHistory(t *testing.T) {
	history := toHistory([]llm.ChatMessage{
		{Role: llm.RoleUser, Content: "hi"},
		{Role: llm.RoleAssistant, Content: "hello"},
	})
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "model", history[1].Role)
	assert.Equal(t, genai.Text("hello"), history[1].Parts[0])
}

func TestCandidateText(t *testing.T) {
	assert.Empty(t, candidateText(nil))
	assert.Empty(t, candidateText(&genai.GenerateContentResponse{}))

	resp := &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text("a"), genai.Text("b")}},
	}}}
	assert.Equal(t, "ab", candidateText(resp))
}

func TestGenerateReply_Unconfigured(t *testing.T) {
	p := NewProvider(config.GeminiConfig{})
	assert.False(t, p.IsConfigured())
	assert.Equal(t, "gemini-2.5-flash", p.DefaultModel())

	_, err := p.GenerateReply(context.Background(), llm.Request{})
	assert.Error(t, err)
}
