package store

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionEnded    = errors.New("session is already ended")
	ErrAgentNotFound   = errors.New("session agent not found")
	ErrInvalid         = errors.New("invalid input")
)

// User owns agents. Agents carry the user id without a foreign key, so an
// agent may name a user that was never registered.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

const maxUserField = 100

// normalizeUser trims u, lowercases the email and checks both fields.
func normalizeUser(u User) (User, error) {
	u.Name = strings.TrimSpace(u.Name)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	switch {
	case u.Name == "" || u.Email == "":
		return User{}, fmt.Errorf("%w: name and email are required", ErrInvalid)
	case len(u.Name) > maxUserField || len(u.Email) > maxUserField:
		return User{}, fmt.Errorf("%w: name and email must be at most %d characters", ErrInvalid, maxUserField)
	}
	if addr, err := mail.ParseAddress(u.Email); err != nil || addr.Address != u.Email {
		return User{}, fmt.Errorf("%w: email is not valid", ErrInvalid)
	}
	return u, nil
}

var errDuplicateEmail = fmt.Errorf("%w: user with this email already exists", ErrInvalid)

// Agent is a persona with its own system prompt and document set.
type Agent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Prompt    string    `json:"prompt"`
	APIKey    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// Document holds the extracted text of one uploaded file.
type Document struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	FileName    string    `json:"file_name"`
	FileType    string    `json:"file_type"`
	FilePath    string    `json:"file_path,omitempty"`
	ContentText string    `json:"content_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Session is one conversation between a user and an agent. A session with
// EndedAt set accepts no further turns.
type Session struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

func (s Session) Ended() bool { return s.EndedAt != nil }

type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	AudioURL  *string   `json:"audio_url"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists users, agents, documents, sessions and messages.
type Store interface {
	// CreateUser rejects a second user with the same email.
	CreateUser(ctx context.Context, user User) (User, error)
	GetUser(ctx context.Context, userID string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	CreateAgent(ctx context.Context, agent Agent) (Agent, error)
	GetAgent(ctx context.Context, agentID string) (Agent, error)
	ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error)

	AddDocument(ctx context.Context, doc Document) (Document, error)
	ListDocuments(ctx context.Context, agentID string) ([]Document, error)

	// StartSession returns the agent's open session when one exists,
	// otherwise creates one. created reports which happened.
	StartSession(ctx context.Context, agentID string) (session Session, created bool, err error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	EndSession(ctx context.Context, sessionID string) (Session, error)

	// SaveTurn writes the user and bot messages of one turn atomically, in
	// that order.
	SaveTurn(ctx context.Context, sessionID, userText, botText string, audioURL *string) (user, bot Message, err error)
	GetMessage(ctx context.Context, messageID string) (Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]Message, error)

	Ping(ctx context.Context) error
	Close() error
}

// ActiveSession resolves a session that can still take turns, along with its
// owning agent.
func ActiveSession(ctx context.Context, s Store, sessionID string) (Session, Agent, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, Agent{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, Agent{}, err
	}
	if sess.Ended() {
		return Session{}, Agent{}, ErrSessionEnded
	}
	agent, err := s.GetAgent(ctx, sess.AgentID)
	if errors.Is(err, ErrNotFound) {
		return Session{}, Agent{}, ErrAgentNotFound
	}
	if err != nil {
		return Session{}, Agent{}, err
	}
	return sess, agent, nil
}
