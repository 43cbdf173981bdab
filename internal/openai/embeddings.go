package openai

import (
	"context"
	"fmt"
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage Usage `json:"usage"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, Usage, error) {
	if len(inputs) == 0 {
		return nil, Usage{}, nil
	}
	var res embeddingResponse
	if err := c.postJSON(ctx, "/embeddings", embeddingRequest{Model: model, Input: inputs}, &res); err != nil {
		return nil, Usage{}, err
	}
	out := make([][]float32, len(inputs))
	for _, d := range res.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, Usage{}, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	for i, v := range out {
		if v == nil {
			return nil, Usage{}, fmt.Errorf("openai embeddings: missing vector %d", i)
		}
	}
	return out, res.Usage, nil
}
