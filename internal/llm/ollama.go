package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaGenerator calls a local Ollama server through its official client.
type OllamaGenerator struct {
	client *api.Client
	model  string
}

func NewOllamaGenerator(host, model string) (*OllamaGenerator, error) {
	parsed, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(host), "/"))
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ollama host %q", host)
	}
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &OllamaGenerator{client: api.NewClient(parsed, httpClient), model: model}, nil
}

func (g *OllamaGenerator) Name() string { return "ollama" }

func (g *OllamaGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	stream := false
	var response api.ChatResponse
	err := g.client.Chat(ctx, &api.ChatRequest{
		Model: g.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt(req)},
			{Role: "user", Content: userPrompt(req)},
		},
		Stream: &stream,
		Options: map[string]any{
			"temperature": 0.7,
			"num_predict": maxTokens(req),
		},
	}, func(resp api.ChatResponse) error {
		response = resp
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("ollama chat: %w", err)
	}
	return Result{
		Text:         strings.TrimSpace(response.Message.Content),
		Model:        g.model,
		InputTokens:  response.PromptEvalCount,
		OutputTokens: response.EvalCount,
	}, nil
}
