package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// PostgresStore persists the conversation model in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Pool exposes the connection pool to collaborators sharing the database,
// such as the vector retriever.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	user, err := normalizeUser(user)
	if err != nil {
		return User{}, err
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO users (id, name, email, created_at) VALUES ($1, $2, $3, $4)`,
		user.ID, user.Name, user.Email, user.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return User{}, errDuplicateEmail
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, created_at FROM users WHERE id=$1`, userID,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if err != nil {
		return User{}, notFound(err, "get user")
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, email, created_at FROM users ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowToStructByPos[User])
}

func (s *PostgresStore) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	if strings.TrimSpace(agent.UserID) == "" || strings.TrimSpace(agent.Name) == "" {
		return Agent{}, fmt.Errorf("%w: user_id and name are required", ErrInvalid)
	}
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, user_id, name, prompt, api_key, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.UserID, agent.Name, agent.Prompt, agent.APIKey, agent.CreatedAt,
	)
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentID string) (Agent, error) {
	var a Agent
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, prompt, api_key, created_at FROM agents WHERE id=$1`, agentID,
	).Scan(&a.ID, &a.UserID, &a.Name, &a.Prompt, &a.APIKey, &a.CreatedAt)
	if err != nil {
		return Agent{}, notFound(err, "get agent")
	}
	return a, nil
}

func (s *PostgresStore) ListAgentsByUser(ctx context.Context, userID string) ([]Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, prompt, api_key, created_at FROM agents WHERE user_id=$1 ORDER BY created_at`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Agent, error) {
		var a Agent
		err := row.Scan(&a.ID, &a.UserID, &a.Name, &a.Prompt, &a.APIKey, &a.CreatedAt)
		return a, err
	})
}

func (s *PostgresStore) AddDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, agent_id, file_name, file_type, file_path, content_text, created_at)
		 SELECT $1, $2, $3, $4, $5, $6, $7 WHERE EXISTS (SELECT 1 FROM agents WHERE id=$2)`,
		doc.ID, doc.AgentID, doc.FileName, doc.FileType, doc.FilePath, doc.ContentText, doc.CreatedAt,
	)
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, agentID string) ([]Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, file_name, file_type, file_path, content_text, created_at
		 FROM documents WHERE agent_id=$1 ORDER BY created_at`, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Document, error) {
		var d Document
		err := row.Scan(&d.ID, &d.AgentID, &d.FileName, &d.FileType, &d.FilePath, &d.ContentText, &d.CreatedAt)
		return d, err
	})
}

func (s *PostgresStore) StartSession(ctx context.Context, agentID string) (Session, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Session{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	// Row lock on the agent serialises concurrent starts for the same agent.
	var locked string
	if err := tx.QueryRow(ctx, `SELECT id FROM agents WHERE id=$1 FOR UPDATE`, agentID).Scan(&locked); err != nil {
		return Session{}, false, notFound(err, "lock agent")
	}

	var sess Session
	err = tx.QueryRow(ctx,
		`SELECT id, agent_id, started_at, ended_at FROM sessions
		 WHERE agent_id=$1 AND ended_at IS NULL ORDER BY started_at DESC LIMIT 1`, agentID,
	).Scan(&sess.ID, &sess.AgentID, &sess.StartedAt, &sess.EndedAt)
	if err == nil {
		return sess, false, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Session{}, false, fmt.Errorf("find open session: %w", err)
	}

	sess = Session{ID: uuid.NewString(), AgentID: agentID, StartedAt: time.Now().UTC()}
	if _, err := tx.Exec(ctx,
		`INSERT INTO sessions (id, agent_id, started_at) VALUES ($1, $2, $3)`,
		sess.ID, sess.AgentID, sess.StartedAt,
	); err != nil {
		return Session{}, false, fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Session{}, false, fmt.Errorf("commit session: %w", err)
	}
	return sess, true, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, started_at, ended_at FROM sessions WHERE id=$1`, sessionID,
	).Scan(&sess.ID, &sess.AgentID, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return Session{}, notFound(err, "get session")
	}
	return sess, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string) (Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if sess.Ended() {
		return Session{}, ErrSessionEnded
	}
	err = s.pool.QueryRow(ctx,
		`UPDATE sessions SET ended_at=now() WHERE id=$1 AND ended_at IS NULL RETURNING ended_at`, sessionID,
	).Scan(&sess.EndedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionEnded
	}
	if err != nil {
		return Session{}, fmt.Errorf("end session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) SaveTurn(ctx context.Context, sessionID, userText, botText string, audioURL *string) (Message, Message, error) {
	now := time.Now().UTC()
	user := Message{ID: uuid.NewString(), SessionID: sessionID, Role: RoleUser, Text: userText, CreatedAt: now}
	bot := Message{ID: uuid.NewString(), SessionID: sessionID, Role: RoleBot, Text: botText, AudioURL: audioURL, CreatedAt: now}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The row lock holds off a concurrent EndSession until commit.
		var endedAt *time.Time
		err := tx.QueryRow(ctx, `SELECT ended_at FROM sessions WHERE id=$1 FOR SHARE`, sessionID).Scan(&endedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}
		if endedAt != nil {
			return ErrSessionEnded
		}
		for _, m := range []Message{user, bot} {
			if _, err := tx.Exec(ctx,
				`INSERT INTO messages (id, session_id, role, text, audio_url, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
				m.ID, m.SessionID, string(m.Role), m.Text, m.AudioURL, m.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert %s message: %w", m.Role, err)
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, Message{}, fmt.Errorf("save turn: %w", err)
	}
	return user, bot, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	var role string
	err := s.pool.QueryRow(ctx,
		`SELECT id, session_id, role, text, audio_url, created_at FROM messages WHERE id=$1`, messageID,
	).Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.AudioURL, &m.CreatedAt)
	if err != nil {
		return Message{}, notFound(err, "get message")
	}
	m.Role = Role(role)
	return m, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, text, audio_url, created_at FROM messages WHERE session_id=$1 ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		var role string
		err := row.Scan(&m.ID, &m.SessionID, &role, &m.Text, &m.AudioURL, &m.CreatedAt)
		m.Role = Role(role)
		return m, err
	})
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
