package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/audio"
	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/protocol"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/turn"
)

const (
	msgConnectionReady  = "Voice connection ready"
	msgRecordingStarted = "Recording started"
	msgProcessing       = "Processing your audio..."
	msgNoSpeech         = "No speech detected. Please try again."
	msgGenerating       = "Generating response..."
)

// TurnProducer answers one transcribed utterance.
type TurnProducer interface {
	ProduceTurn(ctx context.Context, sessionID, userText string) (turn.Result, error)
}

type Deps struct {
	Store       store.Store
	Registry    *session.Registry
	Transcriber speech.Transcriber
	Turns       TurnProducer
	Ledger      *ledger.Ledger
	// Recorder keeps debug copies of inbound audio; nil disables it.
	Recorder *audio.DebugRecorder
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Manager drives voice connections through their state machine and runs
// the stop pipeline.
type Manager struct {
	deps     Deps
	log      *zap.Logger
	inflight sync.WaitGroup
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Manager{deps: deps, log: deps.Logger.Named("voice")}
}

// RunConnection handles inbound messages of conn in arrival order until
// inbound is closed or ctx ends. Frames for the client go to outbound.
// Stop pipelines outlive the connection; their sends are dropped once ctx
// is done.
func (m *Manager) RunConnection(ctx context.Context, conn *session.Connection, inbound <-chan protocol.ClientMessage, outbound chan<- any) error {
	log := m.log.With(zap.String("client_id", conn.ID))
	m.send(ctx, conn, outbound, protocol.ConnectionEstablished{
		Type:     protocol.TypeConnectionEstablished,
		ClientID: conn.ID,
		Message:  msgConnectionReady,
	})

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			_ = m.deps.Registry.Touch(conn.ID)
			m.handle(ctx, log, conn, msg, outbound)
		}
	}
}

func (m *Manager) handle(ctx context.Context, log *zap.Logger, conn *session.Connection, msg protocol.ClientMessage, outbound chan<- any) {
	switch msg := msg.(type) {
	case protocol.StartSession:
		if err := m.bind(ctx, conn, msg.SessionID); err != nil {
			log.Warn("start session rejected", zap.String("session_id", msg.SessionID), zap.Error(err))
			m.sendError(ctx, conn, outbound, "Failed to start session: "+clientMessage(err))
			return
		}
		log.Info("session bound", zap.String("session_id", msg.SessionID))
		m.send(ctx, conn, outbound, protocol.SessionStarted{
			Type:      protocol.TypeSessionStarted,
			SessionID: msg.SessionID,
			Message:   msgRecordingStarted,
		})
	case protocol.AudioChunk:
		n, ok := conn.AppendAudio(msg.Data)
		if !ok {
			return
		}
		if n == 1 {
			m.deps.Recorder.Discard(conn.ID)
		}
		if err := m.deps.Recorder.Record(conn.ID, n, msg.Data); err != nil {
			log.Warn("debug audio capture failed", zap.Error(err))
		}
		m.send(ctx, conn, outbound, protocol.AudioReceived{Type: protocol.TypeAudioReceived, ChunkIndex: n})
	case protocol.StopRecording:
		data, sessionID, ok := conn.BeginProcessing()
		if !ok {
			return
		}
		m.inflight.Add(1)
		go func() {
			defer m.inflight.Done()
			defer conn.FinishProcessing()
			m.runPipeline(ctx, log.With(zap.String("session_id", sessionID)), conn, sessionID, data, outbound)
		}()
	case protocol.Ping:
		m.send(ctx, conn, outbound, protocol.Pong{Type: protocol.TypePong, Timestamp: time.Now().UnixMilli()})
	case protocol.InvalidFrame:
		if msg.Unsupported() {
			log.Warn("unknown voice message type ignored", zap.Error(msg.Err))
			return
		}
		m.sendError(ctx, conn, outbound, msg.Err.Error())
	default:
		panic(fmt.Sprintf("voice: unhandled client message %T", msg))
	}
}

// bind verifies sessionID and attaches it to conn, resetting the ledger
// accumulator of that session.
func (m *Manager) bind(ctx context.Context, conn *session.Connection, sessionID string) error {
	sess, agent, err := store.ActiveSession(ctx, m.deps.Store, sessionID)
	if err != nil {
		return err
	}
	if err := conn.Bind(sess.ID); err != nil {
		return err
	}
	if m.deps.Ledger != nil {
		m.deps.Ledger.StartSession(sess.ID, agent.UserID, agent.ID)
	}
	return nil
}

// runPipeline transcribes the drained audio and produces a turn. Model work
// runs detached from ctx so a dropped socket does not abort a paid call.
func (m *Manager) runPipeline(ctx context.Context, log *zap.Logger, conn *session.Connection, sessionID string, data []byte, outbound chan<- any) {
	work := context.WithoutCancel(ctx)
	m.send(ctx, conn, outbound, protocol.StatusEvent{Type: protocol.TypeProcessingAudio, Message: msgProcessing})

	started := time.Now()
	tr, err := m.deps.Transcriber.Transcribe(work, data)
	m.deps.Metrics.ObserveStage(observability.StageSTT, time.Since(started))
	if err != nil {
		log.Error("transcription failed", zap.Int("audio_bytes", len(data)), zap.Error(err))
		m.sendError(ctx, conn, outbound, "Error processing audio: "+err.Error())
		return
	}
	if m.deps.Ledger != nil {
		m.deps.Ledger.RecordUsage(sessionID, ledger.Usage{
			Category:   ledger.CategorySTT,
			Model:      m.deps.Transcriber.Model(),
			InputUnits: tr.DurationSeconds,
			Metadata:   map[string]any{"audioBytes": len(data)},
		})
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		log.Info("no speech detected", zap.Int("audio_bytes", len(data)))
		m.send(ctx, conn, outbound, protocol.StatusEvent{Type: protocol.TypeNoSpeechDetected, Message: msgNoSpeech})
		return
	}

	full := conn.AppendTranscript(text)
	m.send(ctx, conn, outbound, protocol.TranscriptionComplete{
		Type:     protocol.TypeTranscriptionComplete,
		Text:     text,
		FullText: full,
	})
	m.send(ctx, conn, outbound, protocol.StatusEvent{Type: protocol.TypeGeneratingResponse, Message: msgGenerating})

	res, err := m.deps.Turns.ProduceTurn(work, sessionID, text)
	if err != nil {
		log.Error("turn failed", zap.Error(err))
		m.sendError(ctx, conn, outbound, "Error processing audio: "+clientMessage(err))
		return
	}

	resp := protocol.BotResponse{
		Type:      protocol.TypeBotResponse,
		Text:      res.BotText,
		MessageID: res.BotMessage.ID,
	}
	if len(res.Audio) > 0 {
		encoded := base64.StdEncoding.EncodeToString(res.Audio)
		resp.AudioData = &encoded
	}
	if res.AudioURL != "" {
		url := res.AudioURL
		resp.AudioURL = &url
	}
	m.send(ctx, conn, outbound, resp)
}

// Wait blocks until in-flight stop pipelines finish or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send delivers msg unless the connection has gone away.
func (m *Manager) send(ctx context.Context, conn *session.Connection, outbound chan<- any, msg any) {
	if conn.Closed() {
		return
	}
	select {
	case outbound <- msg:
	case <-ctx.Done():
	}
}

func (m *Manager) sendError(ctx context.Context, conn *session.Connection, outbound chan<- any, message string) {
	m.send(ctx, conn, outbound, protocol.ErrorEvent{Type: protocol.TypeError, Message: message})
}

// clientMessage renders err for the client. Known conditions get a fixed
// phrase; anything else passes through.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return "Session not found"
	case errors.Is(err, store.ErrSessionEnded):
		return "Session is already ended"
	case errors.Is(err, store.ErrAgentNotFound):
		return "Session agent not found"
	case errors.Is(err, session.ErrTurnInProgress):
		return "turn in progress"
	case errors.Is(err, session.ErrClosed):
		return "connection closed"
	default:
		return err.Error()
	}
}
