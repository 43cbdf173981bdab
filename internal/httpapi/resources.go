package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/store"
)

type createAgentRequest struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Prompt string `json:"prompt"`
	APIKey string `json:"apiKey"`
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "userId and name are required")
		return
	}
	agent, err := s.deps.Store.CreateAgent(r.Context(), store.Agent{
		UserID: strings.TrimSpace(req.UserID),
		Name:   strings.TrimSpace(req.Name),
		Prompt: req.Prompt,
		APIKey: strings.TrimSpace(req.APIKey),
	})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Store.GetAgent(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		respondAgentError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgentsByUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

type addDocumentRequest struct {
	FileName    string `json:"fileName"`
	FileType    string `json:"fileType"`
	ContentText string `json:"contentText"`
}

type documentResponse struct {
	store.Document
	Chunks int `json:"chunks"`
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	var req addDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.FileName) == "" || strings.TrimSpace(req.ContentText) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "fileName and contentText are required")
		return
	}
	doc, err := s.deps.Store.AddDocument(r.Context(), store.Document{
		AgentID:     chi.URLParam(r, "agentId"),
		FileName:    strings.TrimSpace(req.FileName),
		FileType:    strings.TrimSpace(req.FileType),
		ContentText: req.ContentText,
	})
	if err != nil {
		respondAgentError(w, err)
		return
	}

	resp := documentResponse{Document: doc}
	if s.deps.Indexer != nil {
		n, err := s.deps.Indexer.IndexDocument(r.Context(), doc)
		if err != nil {
			// Turns fall back to the raw document text until it is indexed.
			s.log.Warn("document indexing failed",
				zap.String("document_id", doc.ID),
				zap.String("agent_id", doc.AgentID),
				zap.Error(err))
		}
		resp.Chunks = n
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentId")
	if _, err := s.deps.Store.GetAgent(r.Context(), agentID); err != nil {
		respondAgentError(w, err)
		return
	}
	docs, err := s.deps.Store.ListDocuments(r.Context(), agentID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, docs)
}

type startSessionRequest struct {
	AgentID string `json:"agentId"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agentId is required")
		return
	}
	sess, created, err := s.deps.Store.StartSession(r.Context(), strings.TrimSpace(req.AgentID))
	if err != nil {
		respondAgentError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	respondJSON(w, status, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.GetSession(r.Context(), chi.URLParam(r, "sessionId"))
	if errors.Is(err, store.ErrNotFound) {
		err = store.ErrSessionNotFound
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Store.EndSession(r.Context(), chi.URLParam(r, "sessionId"))
	if errors.Is(err, store.ErrNotFound) {
		err = store.ErrSessionNotFound
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionId")
	if _, err := s.deps.Store.GetSession(r.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = store.ErrSessionNotFound
		}
		respondStoreError(w, err)
		return
	}
	msgs, err := s.deps.Store.ListMessages(r.Context(), sessionID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.deps.Store.GetMessage(r.Context(), chi.URLParam(r, "messageId"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, msg)
}

func respondAgentError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "agent_not_found", "Agent not found")
		return
	}
	respondStoreError(w, err)
}
