package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/ent0n29/voicerag/internal/audio"
)

type TranscribeRequest struct {
	Model       string
	Language    string
	Temperature float64
	Audio       []byte
}

type Transcription struct {
	Text            string
	DurationSeconds float64
}

// Transcribe posts the audio as a multipart upload. The filename extension is
// sniffed from the content so the server can pick a decoder.
func (c *Client) Transcribe(ctx context.Context, req TranscribeRequest) (Transcription, error) {
	var form bytes.Buffer
	w := multipart.NewWriter(&form)
	format := audio.Sniff(req.Audio)
	if format == audio.FormatUnknown {
		format = audio.FormatWebM
	}
	part, err := w.CreateFormFile("file", "audio."+format.Ext)
	if err != nil {
		return Transcription{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(req.Audio); err != nil {
		return Transcription{}, fmt.Errorf("write form file: %w", err)
	}
	fields := map[string]string{
		"model":           req.Model,
		"language":        req.Language,
		"temperature":     fmt.Sprintf("%g", req.Temperature),
		"response_format": "verbose_json",
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return Transcription{}, fmt.Errorf("write form field %s: %w", k, err)
		}
	}
	if err := w.Close(); err != nil {
		return Transcription{}, fmt.Errorf("close form: %w", err)
	}
	payload := form.Bytes()

	body, err := c.do(ctx, "/audio/transcriptions", w.FormDataContentType(), func() io.Reader { return bytes.NewReader(payload) })
	if err != nil {
		return Transcription{}, err
	}
	var res struct {
		Text     string  `json:"text"`
		Duration float64 `json:"duration"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return Transcription{}, fmt.Errorf("decode transcription: %w", err)
	}
	return Transcription{Text: strings.TrimSpace(res.Text), DurationSeconds: res.Duration}, nil
}

type SpeechRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Speech returns the synthesized audio bytes (mp3 unless ResponseFormat says
// otherwise).
func (c *Client) Speech(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if req.ResponseFormat == "" {
		req.ResponseFormat = "mp3"
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}
	return c.do(ctx, "/audio/speech", "application/json", func() io.Reader { return bytes.NewReader(payload) })
}
