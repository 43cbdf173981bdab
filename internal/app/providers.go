package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/llm"
	"github.com/ent0n29/voicerag/internal/openai"
	"github.com/ent0n29/voicerag/internal/retrieval"
	"github.com/ent0n29/voicerag/internal/speech"
)

type voiceSetup struct {
	transcriber      speech.Transcriber
	synthesizer      speech.Synthesizer
	fallbackSynth    speech.Synthesizer
	resolvedProvider string
	detail           string
}

func resolveVoiceProviders(cfg config.Config, client *openai.Client) (voiceSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.VoiceProvider))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.OpenAIAPIKey) != ""

	openAISetup := func() voiceSetup {
		return voiceSetup{
			transcriber:      speech.NewOpenAITranscriber(client, cfg.OpenAISTTModel, "en"),
			synthesizer:      speech.NewOpenAISynthesizer(client, cfg.OpenAITTSModel, cfg.OpenAITTSVoice),
			fallbackSynth:    speech.NewOpenAISynthesizer(client, cfg.OpenAITTSFallbackModel, cfg.OpenAITTSFallbackVoice),
			resolvedProvider: "openai",
			detail:           fmt.Sprintf("openai (%s + %s/%s)", cfg.OpenAISTTModel, cfg.OpenAITTSModel, cfg.OpenAITTSVoice),
		}
	}
	mockSetup := func(detail string) voiceSetup {
		return voiceSetup{
			transcriber:      speech.NewMockTranscriber(),
			synthesizer:      speech.NewMockSynthesizer(),
			resolvedProvider: "mock",
			detail:           detail,
		}
	}

	switch mode {
	case "openai":
		if !hasKey {
			return voiceSetup{}, fmt.Errorf("VOICE_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
		return openAISetup(), nil
	case "mock":
		return mockSetup("mock"), nil
	case "auto":
		if hasKey {
			return openAISetup(), nil
		}
		return mockSetup("mock (no openai key)"), nil
	default:
		return voiceSetup{}, fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|mock)", cfg.VoiceProvider)
	}
}

type llmSetup struct {
	generator        llm.Generator
	resolvedProvider string
	detail           string
}

func resolveGenerator(ctx context.Context, cfg config.Config, client *openai.Client, logger *zap.Logger) (llmSetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.LLMProvider))
	if mode == "" {
		mode = "auto"
	}
	hasOpenAI := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	hasGemini := strings.TrimSpace(cfg.GeminiAPIKey) != ""

	gemini := func() (llmSetup, error) {
		g, err := llm.NewGeminiGenerator(ctx, cfg.GeminiAPIKey, cfg.GeminiModel)
		if err != nil {
			return llmSetup{}, fmt.Errorf("gemini generator init failed: %w", err)
		}
		return llmSetup{generator: g, resolvedProvider: "gemini", detail: "gemini " + cfg.GeminiModel}, nil
	}

	switch mode {
	case "openai":
		// Agents may carry their own key, so a missing default key is not fatal.
		if !hasOpenAI {
			logger.Warn("LLM_PROVIDER=openai without a default key; only agents with their own key will get answers")
		}
		return llmSetup{
			generator:        llm.NewOpenAIGenerator(client, cfg.OpenAIChatModel),
			resolvedProvider: "openai",
			detail:           "openai " + cfg.OpenAIChatModel,
		}, nil
	case "gemini":
		return gemini()
	case "ollama":
		g, err := llm.NewOllamaGenerator(cfg.OllamaHost, cfg.OllamaModel)
		if err != nil {
			return llmSetup{}, fmt.Errorf("ollama generator init failed: %w", err)
		}
		return llmSetup{generator: g, resolvedProvider: "ollama", detail: fmt.Sprintf("ollama %s at %s", cfg.OllamaModel, cfg.OllamaHost)}, nil
	case "mock":
		return llmSetup{generator: llm.NewMockGenerator(), resolvedProvider: "mock", detail: "mock"}, nil
	case "auto":
		if hasOpenAI {
			primary := llm.NewOpenAIGenerator(client, cfg.OpenAIChatModel)
			if !hasGemini {
				return llmSetup{generator: primary, resolvedProvider: "openai", detail: "openai " + cfg.OpenAIChatModel}, nil
			}
			secondary, err := gemini()
			if err != nil {
				return llmSetup{}, err
			}
			return llmSetup{
				generator:        llm.NewFallbackGenerator(primary, secondary.generator, logger),
				resolvedProvider: "openai",
				detail:           fmt.Sprintf("openai %s (automatic gemini fallback)", cfg.OpenAIChatModel),
			}, nil
		}
		if hasGemini {
			return gemini()
		}
		return llmSetup{generator: llm.NewMockGenerator(), resolvedProvider: "mock", detail: "mock (no openai or gemini key)"}, nil
	default:
		return llmSetup{}, fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|openai|ollama|gemini|mock)", cfg.LLMProvider)
	}
}

func resolveEmbedder(cfg config.Config, client *openai.Client, logger *zap.Logger) retrieval.Embedder {
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		return retrieval.NewOpenAIEmbedder(client, cfg.OpenAIEmbeddingModel, cfg.EmbeddingDim, logger)
	}
	return retrieval.NewHashEmbedder(cfg.EmbeddingDim)
}
