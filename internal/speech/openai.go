package speech

import (
	"context"
	"errors"
	"strings"

	"github.com/ent0n29/voicerag/internal/openai"
)

var ErrEmptyAudio = errors.New("no audio to transcribe")

// OpenAITranscriber uses the Whisper transcription endpoint.
type OpenAITranscriber struct {
	client   *openai.Client
	model    string
	language string
}

func NewOpenAITranscriber(client *openai.Client, model, language string) *OpenAITranscriber {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAITranscriber{client: client, model: model, language: language}
}

func (t *OpenAITranscriber) Model() string { return t.model }

func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio []byte) (Transcript, error) {
	if len(audio) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	res, err := t.client.Transcribe(ctx, openai.TranscribeRequest{
		Model:       t.model,
		Language:    t.language,
		Temperature: 0,
		Audio:       audio,
	})
	if err != nil {
		return Transcript{}, err
	}
	return Transcript{Text: res.Text, DurationSeconds: res.DurationSeconds}, nil
}

// OpenAISynthesizer uses the speech endpoint and returns mp3 bytes.
type OpenAISynthesizer struct {
	client *openai.Client
	model  string
	voice  string
}

func NewOpenAISynthesizer(client *openai.Client, model, voice string) *OpenAISynthesizer {
	return &OpenAISynthesizer{client: client, model: model, voice: voice}
}

func (s *OpenAISynthesizer) Model() string { return s.model }

func (s *OpenAISynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("synthesize: empty text")
	}
	return s.client.Speech(ctx, openai.SpeechRequest{
		Model: s.model,
		Input: text,
		Voice: s.voice,
	})
}
