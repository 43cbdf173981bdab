package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice RAG service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	VoiceIdleTimeout   time.Duration
	VoiceSweepInterval time.Duration
	VoiceDebugAudio    bool
	StorageDir         string

	DatabaseURL  string
	EmbeddingDim int

	OpenAIAPIKey           string
	OpenAIBaseURL          string
	OpenAIChatModel        string
	OpenAISTTModel         string
	OpenAITTSModel         string
	OpenAITTSVoice         string
	OpenAITTSFallbackModel string
	OpenAITTSFallbackVoice string
	OpenAIEmbeddingModel   string

	LLMProvider  string
	LLMMaxTokens int
	OllamaHost   string
	OllamaModel  string
	GeminiAPIKey string
	GeminiModel  string

	VoiceProvider string

	TTSWordsPerChunk int
	TTSChunkStagger  time.Duration

	TurnCacheSize   int
	TurnContextMode string

	RetrievalTopK          int
	RetrievalMaxChars      int
	RetrievalFallbackChars int

	LedgerFlushDebounce time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads a .env file when present, then environment variables, and
// applies defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		BindAddr:               envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:       envOrDefault("APP_METRICS_NAMESPACE", "voicerag"),
		StorageDir:             envOrDefault("STORAGE_DIR", "storage"),
		DatabaseURL:            stringsTrimSpace("DATABASE_URL"),
		OpenAIAPIKey:           firstNonEmpty(stringsTrimSpace("OPENAI_API_KEY"), stringsTrimSpace("DEFAULT_OPENAI_API_KEY")),
		OpenAIBaseURL:          envOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIChatModel:        envOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		OpenAISTTModel:         envOrDefault("OPENAI_STT_MODEL", "whisper-1"),
		OpenAITTSModel:         envOrDefault("OPENAI_TTS_MODEL", "tts-1"),
		OpenAITTSVoice:         envOrDefault("OPENAI_TTS_VOICE", "shimmer"),
		OpenAITTSFallbackModel: envOrDefault("OPENAI_TTS_FALLBACK_MODEL", "tts-1-hd"),
		OpenAITTSFallbackVoice: envOrDefault("OPENAI_TTS_FALLBACK_VOICE", "echo"),
		OpenAIEmbeddingModel:   envOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		LLMProvider:            strings.ToLower(envOrDefault("LLM_PROVIDER", "auto")),
		OllamaHost:             envOrDefault("OLLAMA_HOST", "http://localhost:11434"),
		OllamaModel:            envOrDefault("OLLAMA_MODEL", "llama3.2"),
		GeminiAPIKey:           stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:            envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		VoiceProvider:          strings.ToLower(envOrDefault("VOICE_PROVIDER", "auto")),
		TurnContextMode:        strings.ToLower(envOrDefault("TURN_CONTEXT_MODE", "parallel")),
		LogLevel:               strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
	}

	var err error
	durations := []struct {
		key      string
		dst      *time.Duration
		fallback time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout, 15 * time.Second},
		{"VOICE_IDLE_TIMEOUT", &cfg.VoiceIdleTimeout, 5 * time.Minute},
		{"VOICE_SWEEP_INTERVAL", &cfg.VoiceSweepInterval, time.Minute},
		{"TTS_CHUNK_STAGGER", &cfg.TTSChunkStagger, 50 * time.Millisecond},
		{"LEDGER_FLUSH_DEBOUNCE", &cfg.LedgerFlushDebounce, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, d.fallback); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key      string
		dst      *int
		fallback int
	}{
		{"EMBEDDING_DIM", &cfg.EmbeddingDim, 1536},
		{"LLM_MAX_TOKENS", &cfg.LLMMaxTokens, 150},
		{"TTS_WORDS_PER_CHUNK", &cfg.TTSWordsPerChunk, 15},
		{"TURN_CACHE_SIZE", &cfg.TurnCacheSize, 1000},
		{"RETRIEVAL_TOP_K", &cfg.RetrievalTopK, 5},
		{"RETRIEVAL_MAX_CHARS", &cfg.RetrievalMaxChars, 3000},
		{"RETRIEVAL_FALLBACK_CHARS", &cfg.RetrievalFallbackChars, 2000},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, n.fallback); err != nil {
			return Config{}, err
		}
	}

	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", false); err != nil {
		return Config{}, err
	}
	if cfg.VoiceDebugAudio, err = boolFromEnv("VOICE_DEBUG_AUDIO", false); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.VoiceIdleTimeout < time.Second:
		return fmt.Errorf("VOICE_IDLE_TIMEOUT must be at least 1s")
	case c.VoiceSweepInterval <= 0:
		return fmt.Errorf("VOICE_SWEEP_INTERVAL must be positive")
	case c.EmbeddingDim <= 0:
		return fmt.Errorf("EMBEDDING_DIM must be positive")
	case c.LLMMaxTokens <= 0:
		return fmt.Errorf("LLM_MAX_TOKENS must be positive")
	case c.TTSWordsPerChunk < 1:
		return fmt.Errorf("TTS_WORDS_PER_CHUNK must be >= 1")
	case c.TTSChunkStagger < 0:
		return fmt.Errorf("TTS_CHUNK_STAGGER must be >= 0")
	case c.TurnCacheSize < 0:
		return fmt.Errorf("TURN_CACHE_SIZE must be >= 0")
	case c.RetrievalTopK <= 0:
		return fmt.Errorf("RETRIEVAL_TOP_K must be positive")
	case c.RetrievalMaxChars <= 0 || c.RetrievalFallbackChars <= 0:
		return fmt.Errorf("RETRIEVAL_MAX_CHARS and RETRIEVAL_FALLBACK_CHARS must be positive")
	}
	if !oneOf(c.LLMProvider, "auto", "openai", "ollama", "gemini", "mock") {
		return fmt.Errorf("invalid LLM_PROVIDER: %q (expected auto|openai|ollama|gemini|mock)", c.LLMProvider)
	}
	if !oneOf(c.VoiceProvider, "auto", "openai", "mock") {
		return fmt.Errorf("invalid VOICE_PROVIDER: %q (expected auto|openai|mock)", c.VoiceProvider)
	}
	if !oneOf(c.TurnContextMode, "parallel", "grounded") {
		return fmt.Errorf("invalid TURN_CONTEXT_MODE: %q (expected parallel|grounded)", c.TurnContextMode)
	}
	if !oneOf(c.LogFormat, "json", "console") {
		return fmt.Errorf("invalid LOG_FORMAT: %q (expected json|console)", c.LogFormat)
	}
	return nil
}

func oneOf(v string, options ...string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
