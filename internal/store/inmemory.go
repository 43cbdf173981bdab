package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a process-local store for development and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	users     map[string]User
	agents    map[string]Agent
	documents map[string][]Document
	sessions  map[string]Session
	messages  map[string]Message
	bySession map[string][]string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		users:     make(map[string]User),
		agents:    make(map[string]Agent),
		documents: make(map[string][]Document),
		sessions:  make(map[string]Session),
		messages:  make(map[string]Message),
		bySession: make(map[string][]string),
	}
}

func (s *InMemoryStore) CreateUser(_ context.Context, user User) (User, error) {
	user, err := normalizeUser(user)
	if err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == user.Email {
			return User{}, errDuplicateEmail
		}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *InMemoryStore) GetUser(_ context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *InMemoryStore) ListUsers(context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateAgent(_ context.Context, agent Agent) (Agent, error) {
	if strings.TrimSpace(agent.UserID) == "" || strings.TrimSpace(agent.Name) == "" {
		return Agent{}, fmt.Errorf("%w: user_id and name are required", ErrInvalid)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
	return agent, nil
}

func (s *InMemoryStore) GetAgent(_ context.Context, agentID string) (Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[agentID]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (s *InMemoryStore) ListAgentsByUser(_ context.Context, userID string) ([]Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0)
	for _, a := range s.agents {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddDocument(_ context.Context, doc Document) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[doc.AgentID]; !ok {
		return Document{}, ErrNotFound
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	s.documents[doc.AgentID] = append(s.documents[doc.AgentID], doc)
	return doc, nil
}

func (s *InMemoryStore) ListDocuments(_ context.Context, agentID string) ([]Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Document(nil), s.documents[agentID]...), nil
}

func (s *InMemoryStore) StartSession(_ context.Context, agentID string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return Session{}, false, ErrNotFound
	}
	for _, sess := range s.sessions {
		if sess.AgentID == agentID && !sess.Ended() {
			return sess, false, nil
		}
	}
	sess := Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		StartedAt: time.Now().UTC(),
	}
	s.sessions[sess.ID] = sess
	return sess, true, nil
}

// PutSession inserts a session verbatim. Used to seed fixtures with known ids.
func (s *InMemoryStore) PutSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if sess.Ended() {
		return Session{}, ErrSessionEnded
	}
	now := time.Now().UTC()
	sess.EndedAt = &now
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *InMemoryStore) SaveTurn(_ context.Context, sessionID, userText, botText string, audioURL *string) (Message, Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Message{}, Message{}, ErrSessionNotFound
	}
	if sess.Ended() {
		return Message{}, Message{}, ErrSessionEnded
	}
	now := time.Now().UTC()
	user := Message{ID: uuid.NewString(), SessionID: sessionID, Role: RoleUser, Text: userText, CreatedAt: now}
	bot := Message{ID: uuid.NewString(), SessionID: sessionID, Role: RoleBot, Text: botText, AudioURL: audioURL, CreatedAt: now}
	s.messages[user.ID] = user
	s.messages[bot.ID] = bot
	s.bySession[sessionID] = append(s.bySession[sessionID], user.ID, bot.ID)
	return user, bot, nil
}

func (s *InMemoryStore) GetMessage(_ context.Context, messageID string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[messageID]
	if !ok {
		return Message{}, ErrNotFound
	}
	return m, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, sessionID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySession[sessionID]
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.messages[id])
	}
	return out, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
