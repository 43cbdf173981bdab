package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/voicerag/internal/reliability"
)

var ErrMissingAPIKey = errors.New("openai api key is not configured")

// Client talks to the OpenAI REST API (or a compatible server).
type Client struct {
	baseURL  string
	apiKey   string
	http     *http.Client
	attempts int
}

type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Attempts int
}

func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
	}
}

// WithAPIKey returns a client sharing the transport but authenticating with
// key. An empty key returns c unchanged.
func (c *Client) WithAPIKey(key string) *Client {
	key = strings.TrimSpace(key)
	if key == "" || key == c.apiKey {
		return c
	}
	clone := *c
	clone.apiKey = key
	return &clone
}

func (c *Client) HasAPIKey() bool { return c.apiKey != "" }

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.do(ctx, path, "application/json", func() io.Reader { return bytes.NewReader(payload) })
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path, contentType string, body func() io.Reader) ([]byte, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	var out []byte
	err := reliability.Retry(ctx, c.attempts, 250*time.Millisecond, 2*time.Second, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body())
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", contentType)

		res, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer res.Body.Close()

		data, err := io.ReadAll(io.LimitReader(res.Body, 32<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			return &reliability.UpstreamError{
				Provider:   "openai",
				StatusCode: res.StatusCode,
				Body:       truncate(strings.TrimSpace(string(data)), 512),
			}
		}
		out = data
		return nil
	})
	return out, err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
