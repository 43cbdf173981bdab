package openai

import (
	"context"
	"errors"
	"strings"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type ChatResult struct {
	Text  string
	Model string
	Usage Usage
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) Chat(ctx context.Context, req ChatRequest) (ChatResult, error) {
	var res chatResponse
	if err := c.postJSON(ctx, "/chat/completions", req, &res); err != nil {
		return ChatResult{}, err
	}
	if len(res.Choices) == 0 {
		return ChatResult{}, errors.New("openai chat: no choices returned")
	}
	model := res.Model
	if model == "" {
		model = req.Model
	}
	return ChatResult{
		Text:  strings.TrimSpace(res.Choices[0].Message.Content),
		Model: model,
		Usage: res.Usage,
	}, nil
}
