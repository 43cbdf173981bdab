package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/httpapi"
	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/openai"
	"github.com/ent0n29/voicerag/internal/retrieval"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/synth"
	"github.com/ent0n29/voicerag/internal/turn"
	"github.com/ent0n29/voicerag/internal/voice"
)

// ProviderInfo reports which backends were resolved from config.
type ProviderInfo struct {
	LLM         string
	LLMDetail   string
	Voice       string
	VoiceDetail string
	Retrieval   string
}

type BuildResult struct {
	Config    config.Config
	Handler   http.Handler
	Store     store.Store
	Registry  *session.Registry
	Voice     *voice.Manager
	Ledger    *ledger.Ledger
	Metrics   *observability.Metrics
	Providers ProviderInfo

	// Cleanup flushes the ledger and releases external resources. Call it
	// after the HTTP server has stopped and voice pipelines have drained.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, nil)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	client := openai.NewClient(openai.Config{
		BaseURL: cfg.OpenAIBaseURL,
		APIKey:  cfg.OpenAIAPIKey,
	})

	voiceSetup, err := resolveVoiceProviders(cfg, client)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	llmSetup, err := resolveGenerator(ctx, cfg, client, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	cfg.VoiceProvider = voiceSetup.resolvedProvider
	cfg.LLMProvider = llmSetup.resolvedProvider

	embedder := resolveEmbedder(cfg, client, logger)
	var (
		index         retrieval.Index
		retrievalKind string
	)
	if pg, ok := st.(*store.PostgresStore); ok {
		index = retrieval.NewPostgresRetriever(pg.Pool(), embedder)
		retrievalKind = "pgvector"
	} else {
		index = retrieval.NewMemoryRetriever(embedder)
		retrievalKind = "memory"
	}

	audioStore, err := store.NewFileAudioStore(filepath.Join(cfg.StorageDir, "audio"), "/storage/audio")
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	writer, err := ledger.NewWriter(filepath.Join(cfg.StorageDir, "logs"), cfg.LedgerFlushDebounce, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	ldg := ledger.New(writer, logger, metrics)

	var recorder *audio.DebugRecorder
	if cfg.VoiceDebugAudio {
		recorder = audio.NewDebugRecorder(filepath.Join(cfg.StorageDir, "debug"))
	}

	orchestrator := turn.New(turn.Deps{
		Store:     st,
		Retriever: index,
		Generator: llmSetup.generator,
		Scheduler: &synth.Scheduler{
			Synth:         voiceSetup.synthesizer,
			WordsPerChunk: cfg.TTSWordsPerChunk,
			Stagger:       cfg.TTSChunkStagger,
			MergeWAV:      voiceSetup.resolvedProvider == "mock",
		},
		FallbackSynth: voiceSetup.fallbackSynth,
		Audio:         audioStore,
		Ledger:        ldg,
		Cache:         turn.NewCache(cfg.TurnCacheSize),
		Metrics:       metrics,
		Logger:        logger,
	}, turn.Config{
		Mode:                 turn.ContextMode(cfg.TurnContextMode),
		MaxTokens:            cfg.LLMMaxTokens,
		TopK:                 cfg.RetrievalTopK,
		MaxContextChars:      cfg.RetrievalMaxChars,
		FallbackContextChars: cfg.RetrievalFallbackChars,
	})

	registry := session.NewRegistry(cfg.VoiceIdleTimeout)
	registry.SetEvictHook(func(c *session.Connection) {
		metrics.ObserveConnectionEvent("idle_evicted", registry.ActiveCount())
		logger.Info("idle voice connection evicted", zap.String("client_id", c.ID))
	})

	manager := voice.NewManager(voice.Deps{
		Store:       st,
		Registry:    registry,
		Transcriber: voiceSetup.transcriber,
		Turns:       orchestrator,
		Ledger:      ldg,
		Recorder:    recorder,
		Metrics:     metrics,
		Logger:      logger,
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Store:       st,
		Registry:    registry,
		Voice:       manager,
		Turns:       orchestrator,
		Transcriber: voiceSetup.transcriber,
		Indexer:     retrieval.NewIndexer(index, retrieval.DefaultChunkChars),
		Ledger:      ldg,
		Metrics:     metrics,
		Logger:      logger,
		AudioDir:    audioStore.Dir(),
	})

	cleanup := func(ctx context.Context) error {
		var errs []error
		if err := ldg.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ledger close: %w", err))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		Handler:  api.Router(),
		Store:    st,
		Registry: registry,
		Voice:    manager,
		Ledger:   ldg,
		Metrics:  metrics,
		Providers: ProviderInfo{
			LLM:         llmSetup.resolvedProvider,
			LLMDetail:   llmSetup.detail,
			Voice:       voiceSetup.resolvedProvider,
			VoiceDetail: voiceSetup.detail,
			Retrieval:   retrievalKind,
		},
		Cleanup: cleanup,
	}, nil
}

// Shutdown closes every voice connection, waits for in-flight pipelines so
// their turns are persisted, then runs Cleanup.
func (b *BuildResult) Shutdown(ctx context.Context) error {
	b.Registry.CloseAll()
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var errs []error
	if err := b.Voice.Wait(waitCtx); err != nil {
		errs = append(errs, fmt.Errorf("voice pipelines: %w", err))
	}
	if err := b.Cleanup(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
