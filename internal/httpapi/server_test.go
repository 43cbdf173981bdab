package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/llm"
	"github.com/ent0n29/voicerag/internal/retrieval"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/synth"
	"github.com/ent0n29/voicerag/internal/turn"
	"github.com/ent0n29/voicerag/internal/voice"
)

type testEnv struct {
	server   *httptest.Server
	store    *store.InMemoryStore
	ledger   *ledger.Ledger
	registry *session.Registry
	voice    *voice.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	st := store.NewInMemoryStore()
	audioStore, err := store.NewFileAudioStore(dir+"/audio", "/storage/audio")
	if err != nil {
		t.Fatalf("NewFileAudioStore() error = %v", err)
	}
	writer, err := ledger.NewWriter(dir+"/logs", 10*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	ldg := ledger.New(writer, nil, nil)
	index := retrieval.NewMemoryRetriever(retrieval.NewHashEmbedder(512))
	orchestrator := turn.New(turn.Deps{
		Store:     st,
		Retriever: index,
		Generator: llm.NewMockGenerator(),
		Scheduler: &synth.Scheduler{Synth: speech.NewMockSynthesizer(), WordsPerChunk: 5},
		Audio:     audioStore,
		Ledger:    ldg,
		Cache:     turn.NewCache(16),
		Logger:    zap.NewNop(),
	}, turn.Config{})
	registry := session.NewRegistry(time.Minute)
	transcriber := &speech.MockTranscriber{Text: "what are your opening hours"}
	manager := voice.NewManager(voice.Deps{
		Store:       st,
		Registry:    registry,
		Transcriber: transcriber,
		Turns:       orchestrator,
		Ledger:      ldg,
		Logger:      zap.NewNop(),
	})

	srv := New(config.Config{AllowAnyOrigin: true}, Deps{
		Store:       st,
		Registry:    registry,
		Voice:       manager,
		Turns:       orchestrator,
		Transcriber: transcriber,
		Indexer:     retrieval.NewIndexer(index, 0),
		Ledger:      ldg,
		Logger:      zap.NewNop(),
		AudioDir:    audioStore.Dir(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = manager.Wait(ctx)
		_ = ldg.Close(ctx)
	})
	return &testEnv{server: ts, store: st, ledger: ldg, registry: registry, voice: manager}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func (e *testEnv) createAgent(t *testing.T) store.Agent {
	t.Helper()
	var agent store.Agent
	status := e.do(t, http.MethodPost, "/v1/agents", map[string]string{
		"userId": "user-1",
		"name":   "Front desk",
		"prompt": "You answer questions about the shop.",
	}, &agent)
	if status != http.StatusCreated {
		t.Fatalf("create agent status = %d, want %d", status, http.StatusCreated)
	}
	return agent
}

func (e *testEnv) startSession(t *testing.T, agentID string, wantStatus int) store.Session {
	t.Helper()
	var sess store.Session
	status := e.do(t, http.MethodPost, "/v1/sessions/start", map[string]string{"agentId": agentID}, &sess)
	if status != wantStatus {
		t.Fatalf("start session status = %d, want %d", status, wantStatus)
	}
	return sess
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)

	first := env.startSession(t, agent.ID, http.StatusCreated)
	again := env.startSession(t, agent.ID, http.StatusOK)
	if again.ID != first.ID {
		t.Fatalf("restart returned session %q, want active %q", again.ID, first.ID)
	}

	var ended store.Session
	if status := env.do(t, http.MethodPatch, "/v1/sessions/"+first.ID+"/end", nil, &ended); status != http.StatusOK {
		t.Fatalf("end status = %d, want %d", status, http.StatusOK)
	}
	if ended.EndedAt == nil {
		t.Fatalf("ended session has no ended_at: %+v", ended)
	}

	var errBody errorResponse
	if status := env.do(t, http.MethodPatch, "/v1/sessions/"+first.ID+"/end", nil, &errBody); status != http.StatusBadRequest {
		t.Fatalf("second end status = %d, want %d", status, http.StatusBadRequest)
	}
	if errBody.Error != "Session is already ended" {
		t.Fatalf("second end error = %q", errBody.Error)
	}

	next := env.startSession(t, agent.ID, http.StatusCreated)
	if next.ID == first.ID {
		t.Fatalf("start after end reused ended session %q", first.ID)
	}

	if status := env.do(t, http.MethodGet, "/v1/sessions/missing", nil, &errBody); status != http.StatusNotFound {
		t.Fatalf("get unknown session status = %d, want %d", status, http.StatusNotFound)
	}
}

func TestStartSessionUnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	var errBody errorResponse
	status := env.do(t, http.MethodPost, "/v1/sessions/start", map[string]string{"agentId": "nope"}, &errBody)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", status, http.StatusNotFound)
	}
	if errBody.Error == "" {
		t.Fatalf("missing error message")
	}
}

func TestTextMessageTurnAndCache(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)

	var doc documentResponse
	status := env.do(t, http.MethodPost, "/v1/agents/"+agent.ID+"/documents", map[string]string{
		"fileName":    "hours.txt",
		"fileType":    "text/plain",
		"contentText": "The shop opens at nine. It closes at six on weekdays.",
	}, &doc)
	if status != http.StatusCreated {
		t.Fatalf("add document status = %d, want %d", status, http.StatusCreated)
	}
	if doc.Chunks == 0 {
		t.Fatalf("document indexed %d chunks, want > 0", doc.Chunks)
	}

	sess := env.startSession(t, agent.ID, http.StatusCreated)

	var first createMessageResponse
	status = env.do(t, http.MethodPost, "/v1/messages", map[string]string{"sessionId": sess.ID, "text": "When do you open?"}, &first)
	if status != http.StatusCreated {
		t.Fatalf("create message status = %d, want %d", status, http.StatusCreated)
	}
	if first.Cached {
		t.Fatalf("first turn reported cached")
	}
	if first.UserMessage.Role != store.RoleUser || first.BotMessage.Role != store.RoleBot {
		t.Fatalf("roles = %q/%q", first.UserMessage.Role, first.BotMessage.Role)
	}
	if first.AudioURL == nil || !strings.HasPrefix(*first.AudioURL, "/storage/audio/tts_dynamic_") {
		t.Fatalf("audioUrl = %v", first.AudioURL)
	}

	audioRes, err := http.Get(env.server.URL + *first.AudioURL)
	if err != nil {
		t.Fatalf("GET audio error = %v", err)
	}
	audioRes.Body.Close()
	if audioRes.StatusCode != http.StatusOK {
		t.Fatalf("GET audio status = %d, want %d", audioRes.StatusCode, http.StatusOK)
	}

	var second createMessageResponse
	env.do(t, http.MethodPost, "/v1/messages", map[string]string{"sessionId": sess.ID, "text": "  when DO you open?"}, &second)
	if !second.Cached {
		t.Fatalf("repeated question was not served from cache")
	}
	if second.BotMessage.Text != first.BotMessage.Text {
		t.Fatalf("cached reply = %q, want %q", second.BotMessage.Text, first.BotMessage.Text)
	}

	var msgs []store.Message
	env.do(t, http.MethodGet, "/v1/sessions/"+sess.ID+"/messages", nil, &msgs)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	for i, want := range []store.Role{store.RoleUser, store.RoleBot, store.RoleUser, store.RoleBot} {
		if msgs[i].Role != want {
			t.Fatalf("message %d role = %q, want %q", i, msgs[i].Role, want)
		}
	}
}

func TestMessageOnEndedSession(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	sess := env.startSession(t, agent.ID, http.StatusCreated)
	env.do(t, http.MethodPatch, "/v1/sessions/"+sess.ID+"/end", nil, nil)

	var errBody errorResponse
	status := env.do(t, http.MethodPost, "/v1/messages", map[string]string{"sessionId": sess.ID, "text": "hi"}, &errBody)
	if status != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", status, http.StatusBadRequest)
	}
	if errBody.Error != "Session is already ended" {
		t.Fatalf("error = %q", errBody.Error)
	}
}

func TestAudioUploadWithoutSpeech(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	sess := env.startSession(t, agent.ID, http.StatusCreated)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("sessionId", sess.ID)
	part, err := mw.CreateFormFile("audio", "silence.pcm")
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	_, _ = part.Write(make([]byte, 3200))
	_ = mw.Close()

	res, err := http.Post(env.server.URL+"/v1/messages", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST /v1/messages error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var errBody errorResponse
	_ = json.NewDecoder(res.Body).Decode(&errBody)
	if errBody.Error != "No speech detected" {
		t.Fatalf("error = %q", errBody.Error)
	}
}

func dialVoice(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/voice/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	return frame
}

func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	frame := readFrame(t, conn)
	if frame["type"] != wantType {
		t.Fatalf("frame type = %v, want %s (frame %+v)", frame["type"], wantType, frame)
	}
	return frame
}

func TestVoiceWebsocketTurn(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	sess := env.startSession(t, agent.ID, http.StatusCreated)
	conn := dialVoice(t, env)

	greeting := expectFrame(t, conn, "connection_established")
	clientID, _ := greeting["clientId"].(string)
	if !strings.HasPrefix(clientID, "client_") {
		t.Fatalf("clientId = %q", clientID)
	}

	send := func(v any) {
		t.Helper()
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}

	send(map[string]string{"type": "start_session", "sessionId": sess.ID})
	started := expectFrame(t, conn, "session_started")
	if started["sessionId"] != sess.ID {
		t.Fatalf("session_started sessionId = %v", started["sessionId"])
	}

	pcm := bytes.Repeat([]byte{0x10, 0x20}, 1600)
	send(map[string]string{"type": "audio_chunk", "audioData": base64.StdEncoding.EncodeToString(pcm)})
	ack := expectFrame(t, conn, "audio_received")
	if ack["chunkIndex"] != float64(1) {
		t.Fatalf("chunkIndex = %v, want 1", ack["chunkIndex"])
	}

	send(map[string]string{"type": "stop_recording"})
	expectFrame(t, conn, "processing_audio")
	tr := expectFrame(t, conn, "transcription_complete")
	if tr["text"] != "what are your opening hours" {
		t.Fatalf("transcription text = %v", tr["text"])
	}
	expectFrame(t, conn, "generating_response")
	bot := expectFrame(t, conn, "bot_response")
	if text, _ := bot["text"].(string); !strings.Contains(text, "what are your opening hours") {
		t.Fatalf("bot text = %q", text)
	}
	if bot["audioData"] == nil || bot["audioUrl"] == nil {
		t.Fatalf("bot_response missing audio: %+v", bot)
	}

	stats, ok := env.ledger.Stats(sess.ID)
	if !ok {
		t.Fatalf("ledger has no accumulator for bound session")
	}
	if stats.MessageCount != 2 {
		t.Fatalf("ledger messageCount = %d, want 2", stats.MessageCount)
	}

	var payload struct {
		Current  *ledger.SessionStats  `json:"current"`
		Sessions []ledger.SessionStats `json:"sessions"`
	}
	env.do(t, http.MethodGet, "/v1/logs/stats", nil, &payload)
	if payload.Current == nil || payload.Current.SessionID != sess.ID {
		t.Fatalf("current stats = %+v", payload.Current)
	}

	if err := env.ledger.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	var entries []ledger.Entry
	env.do(t, http.MethodGet, "/v1/logs/session/"+sess.ID, nil, &entries)
	if len(entries) == 0 {
		t.Fatalf("no ledger entries for session")
	}
}

func TestVoiceWebsocketBadFrames(t *testing.T) {
	env := newTestEnv(t)
	conn := dialVoice(t, env)
	expectFrame(t, conn, "connection_established")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	expectFrame(t, conn, "error")

	if err := conn.WriteJSON(map[string]string{"type": "dance"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "start_session", "sessionId": "missing"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	failed := expectFrame(t, conn, "error")
	if failed["message"] != "Failed to start session: Session not found" {
		t.Fatalf("bind error message = %v", failed["message"])
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	expectFrame(t, conn, "pong")

	var conns []session.Info
	env.do(t, http.MethodGet, "/v1/voice/connections", nil, &conns)
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
}

func TestVoiceWebsocketErrorFollowsQueuedAcks(t *testing.T) {
	env := newTestEnv(t)
	agent := env.createAgent(t)
	sess := env.startSession(t, agent.ID, http.StatusCreated)
	conn := dialVoice(t, env)
	expectFrame(t, conn, "connection_established")

	if err := conn.WriteJSON(map[string]string{"type": "start_session", "sessionId": sess.ID}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	expectFrame(t, conn, "session_started")

	const chunks = 60
	chunk := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04})
	for range chunks {
		if err := conn.WriteJSON(map[string]string{"type": "audio_chunk", "audioData": chunk}); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	if err := conn.WriteJSON(map[string]string{"type": "audio_chunk", "audioData": "!!!"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	for i := 1; i <= chunks; i++ {
		ack := expectFrame(t, conn, "audio_received")
		if ack["chunkIndex"] != float64(i) {
			t.Fatalf("chunkIndex = %v, want %d", ack["chunkIndex"], i)
		}
	}
	failed := expectFrame(t, conn, "error")
	if msg, _ := failed["message"].(string); !strings.Contains(msg, "base64") {
		t.Fatalf("error message = %q, want base64 failure", msg)
	}
}

func TestVoiceConnectionRemovedOnClose(t *testing.T) {
	env := newTestEnv(t)
	conn := dialVoice(t, env)
	expectFrame(t, conn, "connection_established")
	if got := env.registry.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", got)
	}
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.registry.ActiveCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var payload map[string]any
	if status := env.do(t, http.MethodGet, "/healthz", nil, &payload); status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if payload["status"] != "ok" {
		t.Fatalf("payload = %+v", payload)
	}
	if status := env.do(t, http.MethodGet, "/readyz", nil, &payload); status != http.StatusOK {
		t.Fatalf("readyz status = %d", status)
	}
}
