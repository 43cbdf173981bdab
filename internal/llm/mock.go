package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockGenerator answers locally without a model, for development and tests.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) Name() string { return "mock" }

func (g *MockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	text := fmt.Sprintf("You asked: %s. This is a simulated answer.", strings.TrimSpace(req.UserText))
	if first := firstSentence(req.Context); first != "" {
		text += " From your documents: " + first
	}
	return Result{
		Text:         text,
		Model:        "mock-llm",
		InputTokens:  len(strings.Fields(systemPrompt(req) + " " + userPrompt(req))),
		OutputTokens: len(strings.Fields(text)),
	}, nil
}

func firstSentence(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, ".!?\n"); i >= 0 {
		s = s[:i+1]
	}
	if len(s) > 160 {
		s = s[:160]
	}
	return strings.TrimSpace(s)
}
