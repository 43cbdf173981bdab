package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/voicerag/internal/store"
)

type createUserRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type userResponse struct {
	store.User
	Agents []store.Agent `json:"agents"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	user, err := s.deps.Store.CreateUser(r.Context(), store.User{Name: req.Name, Email: req.Email})
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, userResponse{User: user, Agents: []store.Agent{}})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.deps.Store.GetUser(r.Context(), chi.URLParam(r, "userId"))
	if errors.Is(err, store.ErrNotFound) {
		respondError(w, http.StatusNotFound, "not_found", "User not found")
		return
	}
	if err != nil {
		respondStoreError(w, err)
		return
	}
	resp, err := s.withAgents(r, user)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Store.ListUsers(r.Context())
	if err != nil {
		respondStoreError(w, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp, err := s.withAgents(r, u)
		if err != nil {
			respondStoreError(w, err)
			return
		}
		out = append(out, resp)
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) withAgents(r *http.Request, u store.User) (userResponse, error) {
	agents, err := s.deps.Store.ListAgentsByUser(r.Context(), u.ID)
	if err != nil {
		return userResponse{}, err
	}
	return userResponse{User: u, Agents: agents}, nil
}
