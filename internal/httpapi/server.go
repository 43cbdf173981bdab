package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/config"
	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/protocol"
	"github.com/ent0n29/voicerag/internal/session"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/turn"
)

type VoiceRunner interface {
	RunConnection(ctx context.Context, conn *session.Connection, inbound <-chan protocol.ClientMessage, outbound chan<- any) error
}

type TurnProducer interface {
	ProduceTurn(ctx context.Context, sessionID, userText string) (turn.Result, error)
}

type DocumentIndexer interface {
	IndexDocument(ctx context.Context, doc store.Document) (int, error)
}

type Deps struct {
	Store       store.Store
	Registry    *session.Registry
	Voice       VoiceRunner
	Turns       TurnProducer
	Transcriber speech.Transcriber
	Indexer     DocumentIndexer
	Ledger      *ledger.Ledger
	Metrics     *observability.Metrics
	Logger      *zap.Logger
	// AudioDir is served read-only under /storage/audio/.
	AudioDir string
}

type Server struct {
	cfg      config.Config
	deps     Deps
	log      *zap.Logger
	upgrader websocket.Upgrader
	audio    http.Handler
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		deps:  deps,
		log:   deps.Logger.Named("http"),
		audio: newAudioHandler(deps.AudioDir),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Handle("/storage/audio/*", http.StripPrefix("/storage/audio/", s.audio))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleListUsers)
		r.Get("/users/{userId}", s.handleGetUser)

		r.Post("/agents", s.handleCreateAgent)
		r.Get("/agents/user/{userId}", s.handleListAgents)
		r.Get("/agents/{agentId}", s.handleGetAgent)
		r.Post("/agents/{agentId}/documents", s.handleAddDocument)
		r.Get("/agents/{agentId}/documents", s.handleListDocuments)

		r.Post("/sessions/start", s.handleStartSession)
		r.Get("/sessions/{sessionId}", s.handleGetSession)
		r.Patch("/sessions/{sessionId}/end", s.handleEndSession)
		r.Get("/sessions/{sessionId}/messages", s.handleListMessages)

		r.Post("/messages", s.handleCreateMessage)
		r.Get("/messages/{messageId}", s.handleGetMessage)

		r.Get("/logs/session/{sessionId}", s.handleSessionLogs)
		r.Get("/logs/all", s.handleAllLogs)
		r.Get("/logs/stats", s.handleLogStats)

		r.Get("/perf/latency", s.handlePerfLatency)
		r.Get("/voice/connections", s.handleListConnections)
		r.Get("/voice/ws", s.handleVoiceWS)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"voice_connections":   s.deps.Registry.ActiveCount(),
		"llm_provider":        s.cfg.LLMProvider,
		"voice_provider":      s.cfg.VoiceProvider,
		"turn_context_mode":   s.cfg.TurnContextMode,
		"database_configured": s.cfg.DatabaseURL != "",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleListConnections(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Voice == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice manager not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	vc := s.deps.Registry.Open(func() { _ = conn.Close() })
	s.deps.Metrics.ObserveConnectionEvent("accepted", s.deps.Registry.ActiveCount())
	log := s.log.With(zap.String("client_id", vc.ID))
	log.Info("voice connection accepted", zap.String("remote_addr", r.RemoteAddr))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ClientMessage, 64)
	outbound := make(chan any, 256)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		if err := s.deps.Voice.RunConnection(ctx, vc, inbound, outbound); err != nil {
			log.Warn("voice connection ended with error", zap.Error(err))
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.Debug("voice write failed", zap.Error(err))
					cancel()
					return
				}
				s.deps.Metrics.ObserveWSMessage("outbound", protocol.TypeOf(msg))
			}
		}
	}()

	conn.SetReadLimit(8 << 20)

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			_ = s.deps.Registry.Touch(vc.ID)
			continue
		}
		parsed := protocol.DecodeFrame(data)
		s.deps.Metrics.ObserveWSMessage("inbound", string(parsed.Kind()))
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	if s.deps.Registry.Remove(vc.ID) {
		s.deps.Metrics.ObserveConnectionEvent("closed", s.deps.Registry.ActiveCount())
	}
	log.Info("voice connection closed")
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondStoreError maps persistence errors onto HTTP statuses.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "Session not found")
	case errors.Is(err, store.ErrAgentNotFound):
		respondError(w, http.StatusNotFound, "agent_not_found", "Session agent not found")
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "Not found")
	case errors.Is(err, store.ErrSessionEnded):
		respondError(w, http.StatusBadRequest, "session_ended", "Session is already ended")
	case errors.Is(err, store.ErrInvalid):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
