package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/ledger"
	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/speech"
	"github.com/ent0n29/voicerag/internal/store"
	"github.com/ent0n29/voicerag/internal/turn"
)

const maxUploadBytes = 32 << 20

type createMessageRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type createMessageResponse struct {
	UserMessage store.Message `json:"userMessage"`
	BotMessage  store.Message `json:"botMessage"`
	AudioURL    *string       `json:"audioUrl"`
	Cached      bool          `json:"cached"`
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var (
		sessionID string
		text      string
	)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid multipart body")
			return
		}
		sessionID = strings.TrimSpace(r.FormValue("sessionId"))
		if sessionID == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "sessionId is required")
			return
		}
		file, _, err := r.FormFile("audio")
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "audio file is required")
			return
		}
		data, err := io.ReadAll(file)
		_ = file.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "read audio upload")
			return
		}
		if _, _, err := store.ActiveSession(r.Context(), s.deps.Store, sessionID); err != nil {
			respondStoreError(w, err)
			return
		}
		text, err = s.transcribe(r, sessionID, data)
		if err != nil {
			respondError(w, http.StatusBadGateway, "transcription_failed", "Error processing audio: "+err.Error())
			return
		}
		if text == "" {
			respondError(w, http.StatusBadRequest, "no_speech", "No speech detected")
			return
		}
	} else {
		var req createMessageRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
			return
		}
		sessionID = strings.TrimSpace(req.SessionID)
		text = strings.TrimSpace(req.Text)
		if sessionID == "" || text == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "sessionId and text are required")
			return
		}
	}

	res, err := s.deps.Turns.ProduceTurn(r.Context(), sessionID, text)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, createMessageResponse{
		UserMessage: res.UserMessage,
		BotMessage:  res.BotMessage,
		AudioURL:    res.BotMessage.AudioURL,
		Cached:      res.Cached,
	})
}

func (s *Server) transcribe(r *http.Request, sessionID string, data []byte) (string, error) {
	if s.deps.Transcriber == nil {
		return "", errors.New("transcriber not configured")
	}
	started := time.Now()
	tr, err := s.deps.Transcriber.Transcribe(r.Context(), data)
	s.deps.Metrics.ObserveStage(observability.StageSTT, time.Since(started))
	if errors.Is(err, speech.ErrEmptyAudio) {
		return "", nil
	}
	if err != nil {
		s.log.Warn("upload transcription failed", zap.String("session_id", sessionID), zap.Error(err))
		return "", err
	}
	if s.deps.Ledger != nil {
		s.deps.Ledger.RecordUsage(sessionID, ledger.Usage{
			Category:   ledger.CategorySTT,
			Model:      s.deps.Transcriber.Model(),
			InputUnits: tr.DurationSeconds,
			Metadata:   map[string]any{"audioBytes": len(data), "source": "upload"},
		})
	}
	return strings.TrimSpace(tr.Text), nil
}

var _ TurnProducer = (*turn.Orchestrator)(nil)

func (s *Server) handleSessionLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Ledger.SessionLogs(chi.URLParam(r, "sessionId"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, nonNilEntries(entries))
}

func (s *Server) handleAllLogs(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.deps.Ledger.AllLogs()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_read_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, nonNilEntries(entries))
}

func (s *Server) handleLogStats(w http.ResponseWriter, _ *http.Request) {
	sessions := s.deps.Ledger.AllStats()
	if sessions == nil {
		sessions = []ledger.SessionStats{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"current":  s.deps.Ledger.CurrentStats(),
		"sessions": sessions,
	})
}

func nonNilEntries(entries []ledger.Entry) []ledger.Entry {
	if entries == nil {
		return []ledger.Entry{}
	}
	return entries
}
