package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/llm"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/reliability"
	"github.com/ent0n29/voicerag/internal/retrieval"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/synth"
)

// FallbackReply is the bot text of a turn whose generation failed.
const FallbackReply = "I'm sorry, I'm having trouble processing your request right now. Please try again."

type ContextMode string

const (
	// ModeParallel runs retrieval and generation concurrently; the
	// retrieved context is logged but not given to the model.
	ModeParallel ContextMode = "parallel"
	// ModeGrounded retrieves first and passes the context into generation.
	ModeGrounded ContextMode = "grounded"
)

type Config struct {
	Mode                 ContextMode
	MaxTokens            int
	TopK                 int
	MaxContextChars      int
	FallbackContextChars int
}

type Deps struct {
	Store     store.Store
	Retriever retrieval.Retriever
	Generator llm.Generator
	// Scheduler does chunked synthesis; FallbackSynth is tried with the
	// whole text when it fails. Both may be nil to disable audio.
	Scheduler     *synth.Scheduler
	FallbackSynth speech.Synthesizer
	Audio         store.AudioStore
	Ledger        *ledger.Ledger
	Cache         *Cache
	Metrics       *observability.Metrics
	Logger        *zap.Logger
}

// Result is one completed turn.
type Result struct {
	UserMessage store.Message
	BotMessage  store.Message
	BotText     string
	Audio       []byte
	AudioURL    string
	Cached      bool
	// Fallback is set when generation failed and BotText is FallbackReply.
	Fallback bool
}

// Orchestrator turns transcribed user text into a persisted bot turn.
type Orchestrator struct {
	deps Deps
	cfg  Config
	log  *zap.Logger
}

func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeParallel
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = 3000
	}
	if cfg.FallbackContextChars <= 0 {
		cfg.FallbackContextChars = 2000
	}
	return &Orchestrator{deps: deps, cfg: cfg, log: deps.Logger.Named("turn")}
}

// ProduceTurn validates the session, answers userText and persists both
// messages. Only session lookup and persistence failures are returned;
// model failures degrade to fallbacks.
func (o *Orchestrator) ProduceTurn(ctx context.Context, sessionID, userText string) (Result, error) {
	started := time.Now()
	_, agent, err := store.ActiveSession(ctx, o.deps.Store, sessionID)
	if err != nil {
		return Result{}, err
	}
	log := o.log.With(zap.String("session_id", sessionID), zap.String("agent_id", agent.ID))

	key := CacheKey(agent.ID, userText)
	if hit, ok := o.deps.Cache.Get(key); ok {
		o.deps.Metrics.ObserveCache(true)
		log.Debug("reply cache hit")
		res, err := o.persist(ctx, sessionID, userText, hit.BotText, hit.AudioURL)
		if err != nil {
			return Result{}, err
		}
		res.Audio = hit.Audio
		res.Cached = true
		o.deps.Metrics.ObserveStage(observability.StageTotal, time.Since(started))
		return res, nil
	}
	o.deps.Metrics.ObserveCache(false)

	botText, fallback := o.answer(ctx, log, sessionID, agent, userText)

	audioBytes, audioURL := o.speak(ctx, log, sessionID, botText)

	res, err := o.persist(ctx, sessionID, userText, botText, audioURL)
	if err != nil {
		return Result{}, err
	}
	res.Audio = audioBytes
	res.Fallback = fallback

	if !fallback {
		o.deps.Cache.Put(key, CachedReply{BotText: botText, Audio: audioBytes, AudioURL: audioURL})
	}
	o.deps.Metrics.ObserveStage(observability.StageTotal, time.Since(started))
	log.Info("turn completed",
		zap.Bool("fallback", fallback),
		zap.Int("audio_bytes", len(audioBytes)),
		zap.Duration("elapsed", time.Since(started)))
	return res, nil
}

// answer returns the bot text, or FallbackReply and true when generation
// failed.
func (o *Orchestrator) answer(ctx context.Context, log *zap.Logger, sessionID string, agent store.Agent, userText string) (string, bool) {
	req := llm.Request{
		SystemPrompt: agent.Prompt,
		UserText:     userText,
		MaxTokens:    o.cfg.MaxTokens,
		APIKey:       agent.APIKey,
	}

	var (
		gen    llm.Result
		genErr error
	)
	switch o.cfg.Mode {
	case ModeGrounded:
		req.Context = o.retrieveContext(ctx, log, agent.ID, userText)
		gen, genErr = o.generate(ctx, req)
	default:
		var wg sync.WaitGroup
		var contextText string
		wg.Go(func() { contextText = o.retrieveContext(ctx, log, agent.ID, userText) })
		wg.Go(func() { gen, genErr = o.generate(ctx, req) })
		wg.Wait()
		log.Debug("retrieved context", zap.Int("context_chars", len(contextText)))
	}

	if genErr != nil {
		o.deps.Metrics.ObserveFallback("generation")
		o.deps.Metrics.ObserveProviderError(o.deps.Generator.Name(), reliability.ErrorKind(genErr))
		log.Warn("generation failed, replying with fallback", zap.Error(genErr))
		return FallbackReply, true
	}
	if o.deps.Ledger != nil {
		o.deps.Ledger.RecordUsage(sessionID, ledger.Usage{
			Category:    ledger.CategoryLLM,
			Model:       gen.Model,
			InputUnits:  float64(gen.InputTokens),
			OutputUnits: float64(gen.OutputTokens),
			Metadata:    map[string]any{"provider": o.deps.Generator.Name(), "mode": string(o.cfg.Mode)},
		})
	}
	return gen.Text, false
}

func (o *Orchestrator) generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	started := time.Now()
	res, err := o.deps.Generator.Generate(ctx, req)
	o.deps.Metrics.ObserveStage(observability.StageGeneration, time.Since(started))
	if err != nil {
		return llm.Result{}, err
	}
	if res.Text == "" {
		return llm.Result{}, errors.New("generation returned empty text")
	}
	return res, nil
}

// retrieveContext never fails: search errors degrade to raw document text.
func (o *Orchestrator) retrieveContext(ctx context.Context, log *zap.Logger, agentID, query string) string {
	started := time.Now()
	defer func() { o.deps.Metrics.ObserveStage(observability.StageRetrieval, time.Since(started)) }()

	docs, err := o.deps.Store.ListDocuments(ctx, agentID)
	if err != nil {
		log.Warn("list documents failed, continuing without context", zap.Error(err))
		return ""
	}
	if len(docs) == 0 || o.deps.Retriever == nil {
		return ""
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ID
	}
	chunks, err := o.deps.Retriever.RetrieveSimilar(ctx, query, ids, o.cfg.TopK)
	if err != nil {
		o.deps.Metrics.ObserveFallback("retrieval")
		log.Warn("similarity search failed, using raw document text", zap.Error(err))
		return retrieval.FallbackContext(docs, o.cfg.FallbackContextChars)
	}
	return retrieval.BuildContext(chunks, o.cfg.MaxContextChars)
}

// speak synthesizes botText and stores the audio. Failures degrade to the
// single-call synthesizer, then to no audio.
func (o *Orchestrator) speak(ctx context.Context, log *zap.Logger, sessionID, botText string) ([]byte, string) {
	text := synth.Speakable(botText)
	if text == "" || o.deps.Scheduler == nil {
		return nil, ""
	}
	started := time.Now()
	defer func() { o.deps.Metrics.ObserveStage(observability.StageSynthesis, time.Since(started)) }()

	var (
		data  []byte
		model string
	)
	res, err := o.deps.Scheduler.Synthesize(ctx, text)
	if err == nil {
		data, model = res.Audio, o.deps.Scheduler.Synth.Model()
		log.Debug("chunked synthesis done",
			zap.Int("chunks", res.ChunkCount),
			zap.Duration("elapsed", res.ProcessingTime))
	} else {
		o.deps.Metrics.ObserveFallback("synthesis_chunked")
		o.deps.Metrics.ObserveProviderError(o.deps.Scheduler.Synth.Model(), reliability.ErrorKind(err))
		log.Warn("chunked synthesis failed, trying single call", zap.Error(err))
		if o.deps.FallbackSynth == nil {
			o.deps.Metrics.ObserveFallback("synthesis_single")
			return nil, ""
		}
		data, err = o.deps.FallbackSynth.Synthesize(ctx, text)
		if err != nil {
			o.deps.Metrics.ObserveFallback("synthesis_single")
			o.deps.Metrics.ObserveProviderError(o.deps.FallbackSynth.Model(), reliability.ErrorKind(err))
			log.Warn("single synthesis failed, turn has no audio", zap.Error(err))
			return nil, ""
		}
		model = o.deps.FallbackSynth.Model()
	}

	if o.deps.Ledger != nil {
		o.deps.Ledger.RecordUsage(sessionID, ledger.Usage{
			Category:   ledger.CategoryTTS,
			Model:      model,
			InputUnits: float64(utf8.RuneCountInString(text)),
		})
	}

	if o.deps.Audio == nil {
		return data, ""
	}
	url, err := o.deps.Audio.SaveAudio(ctx, data)
	if err != nil {
		log.Warn("store synthesized audio failed", zap.Error(err))
		return data, ""
	}
	return data, url
}

func (o *Orchestrator) persist(ctx context.Context, sessionID, userText, botText, audioURL string) (Result, error) {
	started := time.Now()
	var urlPtr *string
	if audioURL != "" {
		urlPtr = &audioURL
	}
	user, bot, err := o.deps.Store.SaveTurn(ctx, sessionID, userText, botText, urlPtr)
	o.deps.Metrics.ObserveStage(observability.StagePersist, time.Since(started))
	if err != nil {
		return Result{}, fmt.Errorf("persist turn: %w", err)
	}
	if o.deps.Ledger != nil {
		o.deps.Ledger.RecordTurn(sessionID, ledger.Turn{
			MessageID: bot.ID,
			UserText:  userText,
			BotText:   botText,
		})
	}
	return Result{
		UserMessage: user,
		BotMessage:  bot,
		BotText:     botText,
		AudioURL:    audioURL,
	}, nil
}
