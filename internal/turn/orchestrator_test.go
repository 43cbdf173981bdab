package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/llm"
	"github.com/ent0n29/voicerag/internal/retrieval"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/synth"
)

type recordingGenerator struct {
	mu    sync.Mutex
	err   error
	calls int
	reqs  []llm.Request
}

func (g *recordingGenerator) Name() string { return "recording" }

func (g *recordingGenerator) Generate(_ context.Context, req llm.Request) (llm.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.reqs = append(g.reqs, req)
	if g.err != nil {
		return llm.Result{}, g.err
	}
	return llm.Result{Text: "Answer to " + req.UserText, Model: "gpt-4o-mini", InputTokens: 100, OutputTokens: 20}, nil
}

type failingSynth struct {
	calls int
}

func (s *failingSynth) Model() string { return "tts-1" }

func (s *failingSynth) Synthesize(context.Context, string) ([]byte, error) {
	s.calls++
	return nil, errors.New("tts unavailable")
}

type failingRetriever struct{}

func (failingRetriever) RetrieveSimilar(context.Context, string, []string, int) ([]retrieval.Chunk, error) {
	return nil, errors.New("vector search down")
}

type fixture struct {
	store  *store.InMemoryStore
	gen    *recordingGenerator
	ledger *ledger.Ledger
	agent  store.Agent
	sess   store.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewInMemoryStore()
	agent, err := st.CreateAgent(ctx, store.Agent{UserID: "u1", Name: "helper", Prompt: "Answer briefly."})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	sess, _, err := st.StartSession(ctx, agent.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	w, err := ledger.NewWriter(t.TempDir(), time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	l := ledger.New(w, zap.NewNop(), nil)
	l.StartSession(sess.ID, agent.UserID, agent.ID)
	return &fixture{store: st, gen: &recordingGenerator{}, ledger: l, agent: agent, sess: sess}
}

func (f *fixture) orchestrator(t *testing.T, cfg Config, mutate func(*Deps)) *Orchestrator {
	t.Helper()
	audioStore, err := store.NewFileAudioStore(t.TempDir(), "/storage/audio")
	if err != nil {
		t.Fatalf("NewFileAudioStore() error = %v", err)
	}
	deps := Deps{
		Store:         f.store,
		Retriever:     retrieval.NewMemoryRetriever(retrieval.NewHashEmbedder(512)),
		Generator:     f.gen,
		Scheduler:     &synth.Scheduler{Synth: speech.NewMockSynthesizer(), WordsPerChunk: 3},
		FallbackSynth: speech.NewMockSynthesizer(),
		Audio:         audioStore,
		Ledger:        f.ledger,
		Cache:         NewCache(10),
		Logger:        zap.NewNop(),
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(deps, cfg)
}

func TestProduceTurnPersistsUserThenBot(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Config{MaxTokens: 150}, nil)

	res, err := o.ProduceTurn(context.Background(), f.sess.ID, "what are the opening hours")
	if err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if res.BotText != "Answer to what are the opening hours" || res.Cached || res.Fallback {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Audio) == 0 || !strings.HasPrefix(res.AudioURL, "/storage/audio/tts_dynamic_") {
		t.Fatalf("audio=%d url=%q, want synthesized audio stored", len(res.Audio), res.AudioURL)
	}

	msgs, err := f.store.ListMessages(context.Background(), f.sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != store.RoleUser || msgs[1].Role != store.RoleBot {
		t.Fatalf("messages = %+v, want user then bot", msgs)
	}
	if msgs[1].AudioURL == nil || *msgs[1].AudioURL != res.AudioURL {
		t.Fatalf("bot audio url = %v, want %q", msgs[1].AudioURL, res.AudioURL)
	}
	if req := f.gen.reqs[0]; req.SystemPrompt != "Answer briefly." || req.MaxTokens != 150 {
		t.Fatalf("generation request = %+v", req)
	}

	stats, ok := f.ledger.Stats(f.sess.ID)
	if !ok {
		t.Fatalf("Stats() missing session")
	}
	if stats.MessageCount != 2 || stats.TotalInputUnits < 100 {
		t.Fatalf("stats = %+v, want llm and tts usage plus one turn", stats)
	}
}

func TestProduceTurnCacheIgnoresCaseAndWhitespace(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Config{}, nil)
	ctx := context.Background()

	first, err := o.ProduceTurn(ctx, f.sess.ID, "Hi there")
	if err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	second, err := o.ProduceTurn(ctx, f.sess.ID, " hi THERE ")
	if err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if f.gen.calls != 1 {
		t.Fatalf("generator calls = %d, want 1", f.gen.calls)
	}
	if !second.Cached || second.BotText != first.BotText || second.AudioURL != first.AudioURL {
		t.Fatalf("second = %+v, want cached replay of first", second)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sess.ID)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4 (cache hits still persist)", len(msgs))
	}
	if msgs[2].Text != " hi THERE " {
		t.Fatalf("cached turn user text = %q, want original text", msgs[2].Text)
	}
}

func TestProduceTurnCacheIsScopedPerAgent(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Config{}, nil)
	ctx := context.Background()

	other, err := f.store.CreateAgent(ctx, store.Agent{UserID: "u2", Name: "other"})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	otherSess, _, err := f.store.StartSession(ctx, other.ID)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}

	if _, err := o.ProduceTurn(ctx, f.sess.ID, "hello"); err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	res, err := o.ProduceTurn(ctx, otherSess.ID, "hello")
	if err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if res.Cached || f.gen.calls != 2 {
		t.Fatalf("cached=%v calls=%d, want a fresh answer for another agent", res.Cached, f.gen.calls)
	}
}

func TestProduceTurnGenerationFailureRepliesWithApology(t *testing.T) {
	f := newFixture(t)
	f.gen.err = errors.New("model overloaded")
	o := f.orchestrator(t, Config{}, nil)
	ctx := context.Background()

	res, err := o.ProduceTurn(ctx, f.sess.ID, "hello")
	if err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if res.BotText != FallbackReply || !res.Fallback {
		t.Fatalf("result = %+v, want fallback apology", res)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sess.ID)
	if len(msgs) != 2 || msgs[1].Text != FallbackReply {
		t.Fatalf("messages = %+v, want persisted apology", msgs)
	}

	if _, err := o.ProduceTurn(ctx, f.sess.ID, "hello"); err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if f.gen.calls != 2 {
		t.Fatalf("generator calls = %d, want apology never cached", f.gen.calls)
	}
}

func TestProduceTurnRejectsEndedOrUnknownSession(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Config{}, nil)
	ctx := context.Background()

	if _, err := o.ProduceTurn(ctx, "missing", "hello"); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("ProduceTurn() error = %v, want ErrSessionNotFound", err)
	}
	if _, err := f.store.EndSession(ctx, f.sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, err := o.ProduceTurn(ctx, f.sess.ID, "hello"); !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("ProduceTurn() error = %v, want ErrSessionEnded", err)
	}
	if f.gen.calls != 0 {
		t.Fatalf("generator calls = %d, want 0", f.gen.calls)
	}
	msgs, _ := f.store.ListMessages(ctx, f.sess.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
}

type endingGenerator struct {
	store     *store.InMemoryStore
	sessionID string
}

func (g endingGenerator) Name() string { return "ending" }

func (g endingGenerator) Generate(ctx context.Context, req llm.Request) (llm.Result, error) {
	if _, err := g.store.EndSession(ctx, g.sessionID); err != nil {
		return llm.Result{}, err
	}
	return llm.Result{Text: "too late", Model: "gpt-4o-mini"}, nil
}

func TestProduceTurnSessionEndedDuringGeneration(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, Config{}, func(d *Deps) {
		d.Generator = endingGenerator{store: f.store, sessionID: f.sess.ID}
	})
	ctx := context.Background()

	if _, err := o.ProduceTurn(ctx, f.sess.ID, "hello"); !errors.Is(err, store.ErrSessionEnded) {
		t.Fatalf("ProduceTurn() error = %v, want ErrSessionEnded", err)
	}
	if msgs, _ := f.store.ListMessages(ctx, f.sess.ID); len(msgs) != 0 {
		t.Fatalf("messages = %d, want 0", len(msgs))
	}
	if _, ok := o.deps.Cache.Get(CacheKey(f.agent.ID, "hello")); ok {
		t.Fatalf("reply cached for a turn that was never persisted")
	}
}

func TestProduceTurnSynthesisFallbacks(t *testing.T) {
	t.Run("single call after chunked failure", func(t *testing.T) {
		f := newFixture(t)
		chunked := &failingSynth{}
		o := f.orchestrator(t, Config{}, func(d *Deps) {
			d.Scheduler = &synth.Scheduler{Synth: chunked, WordsPerChunk: 2}
		})
		res, err := o.ProduceTurn(context.Background(), f.sess.ID, "hello")
		if err != nil {
			t.Fatalf("ProduceTurn() error = %v", err)
		}
		if chunked.calls == 0 || len(res.Audio) == 0 {
			t.Fatalf("chunked calls=%d audio=%d, want fallback audio", chunked.calls, len(res.Audio))
		}
	})

	t.Run("no audio when both fail", func(t *testing.T) {
		f := newFixture(t)
		single := &failingSynth{}
		o := f.orchestrator(t, Config{}, func(d *Deps) {
			d.Scheduler = &synth.Scheduler{Synth: &failingSynth{}, WordsPerChunk: 2}
			d.FallbackSynth = single
		})
		res, err := o.ProduceTurn(context.Background(), f.sess.ID, "hello")
		if err != nil {
			t.Fatalf("ProduceTurn() error = %v", err)
		}
		if single.calls != 1 || res.Audio != nil || res.AudioURL != "" {
			t.Fatalf("single calls=%d result=%+v, want no audio", single.calls, res)
		}
		msgs, _ := f.store.ListMessages(context.Background(), f.sess.ID)
		if len(msgs) != 2 || msgs[1].AudioURL != nil {
			t.Fatalf("messages = %+v, want bot message without audio", msgs)
		}
	})
}

func TestProduceTurnGroundedModePassesContext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc, err := f.store.AddDocument(ctx, store.Document{AgentID: f.agent.ID, FileName: "faq.txt", ContentText: "The office opens at nine every weekday."})
	if err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}

	index := retrieval.NewMemoryRetriever(retrieval.NewHashEmbedder(512))
	if _, err := retrieval.NewIndexer(index, 0).IndexDocument(ctx, doc); err != nil {
		t.Fatalf("IndexDocument() error = %v", err)
	}
	o := f.orchestrator(t, Config{Mode: ModeGrounded}, func(d *Deps) { d.Retriever = index })
	if _, err := o.ProduceTurn(ctx, f.sess.ID, "when does the office open"); err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if got := f.gen.reqs[0].Context; !strings.Contains(got, "opens at nine") {
		t.Fatalf("generation context = %q, want retrieved chunk", got)
	}
}

func TestProduceTurnRetrievalFailureFallsBackToRawText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AddDocument(ctx, store.Document{AgentID: f.agent.ID, FileName: "a.txt", ContentText: strings.Repeat("x", 5000)}); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	o := f.orchestrator(t, Config{Mode: ModeGrounded}, func(d *Deps) { d.Retriever = failingRetriever{} })
	if _, err := o.ProduceTurn(ctx, f.sess.ID, "anything"); err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if got := len(f.gen.reqs[0].Context); got != 2000 {
		t.Fatalf("fallback context len = %d, want 2000", got)
	}
}

func TestProduceTurnParallelModeKeepsContextOutOfPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.store.AddDocument(ctx, store.Document{AgentID: f.agent.ID, FileName: "a.txt", ContentText: "some text"}); err != nil {
		t.Fatalf("AddDocument() error = %v", err)
	}
	o := f.orchestrator(t, Config{Mode: ModeParallel}, nil)
	if _, err := o.ProduceTurn(ctx, f.sess.ID, "question"); err != nil {
		t.Fatalf("ProduceTurn() error = %v", err)
	}
	if got := f.gen.reqs[0].Context; got != "" {
		t.Fatalf("generation context = %q, want empty in parallel mode", got)
	}
}
