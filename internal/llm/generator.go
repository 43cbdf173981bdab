package llm

import (
	"context"
	"strings"
)

// DefaultSystemPrompt is used when an agent has no prompt of its own.
const DefaultSystemPrompt = "You are an AI assistant. Be concise, accurate, and provide answers based only on the provided context. Keep responses clear. Answer according to the information given, regardless of topic"

type Request struct {
	SystemPrompt string
	UserText     string
	// Context is retrieved document text. Empty means the model answers
	// from the system prompt alone.
	Context   string
	MaxTokens int
	// APIKey overrides the provider's configured key for this call, when the
	// provider supports per-call keys.
	APIKey string
}

type Result struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
	Name() string
}

func systemPrompt(req Request) string {
	if p := strings.TrimSpace(req.SystemPrompt); p != "" {
		return p
	}
	return DefaultSystemPrompt
}

// userPrompt folds retrieved context into the user turn.
func userPrompt(req Request) string {
	ctxText := strings.TrimSpace(req.Context)
	if ctxText == "" {
		return req.UserText
	}
	var b strings.Builder
	b.WriteString("Context:\n")
	b.WriteString(ctxText)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(req.UserText)
	return b.String()
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 150
}
