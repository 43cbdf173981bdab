package llm

import (
	"context"

	"github.com/ent0n29/voicerag/internal/openai"
)

type OpenAIGenerator struct {
	client *openai.Client
	model  string
}

func NewOpenAIGenerator(client *openai.Client, model string) *OpenAIGenerator {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIGenerator{client: client, model: model}
}

func (g *OpenAIGenerator) Name() string { return "openai" }

func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	res, err := g.client.WithAPIKey(req.APIKey).Chat(ctx, openai.ChatRequest{
		Model: g.model,
		Messages: []openai.ChatMessage{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
		MaxTokens: maxTokens(req),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Text:         res.Text,
		Model:        g.model,
		InputTokens:  res.Usage.PromptTokens,
		OutputTokens: res.Usage.CompletionTokens,
	}, nil
}
