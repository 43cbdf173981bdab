package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	url := os.Getenv("VOICERAG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("VOICERAG_TEST_DATABASE_URL not set")
	}
	s, err := NewPostgresStore(context.Background(), url)
	if err != nil {
		t.Fatalf("NewPostgresStore() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreTurnLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)

	agent, err := s.CreateAgent(ctx, Agent{UserID: "u-pg", Name: "pg agent", Prompt: "be brief"})
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	sess, created, err := s.StartSession(ctx, agent.ID)
	if err != nil || !created {
		t.Fatalf("StartSession() = %v, %v", created, err)
	}
	if _, _, err := s.SaveTurn(ctx, sess.ID, "hello", "hi", nil); err != nil {
		t.Fatalf("SaveTurn() error = %v", err)
	}
	msgs, err := s.ListMessages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != RoleUser || msgs[1].Role != RoleBot {
		t.Fatalf("messages = %+v, want user then bot", msgs)
	}
	if _, err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if _, _, err := ActiveSession(ctx, s, sess.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("ActiveSession() error = %v, want ErrSessionEnded", err)
	}
	if _, _, err := s.SaveTurn(ctx, sess.ID, "late", "reply", nil); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("SaveTurn() after end error = %v, want ErrSessionEnded", err)
	}
}

func TestPostgresStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := newTestPostgresStore(t)

	email := "pg-" + time.Now().Format("150405.000000") + "@example.com"
	u, err := s.CreateUser(ctx, User{Name: "pg user", Email: email})
	if err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := s.CreateUser(ctx, User{Name: "dup", Email: email}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("CreateUser(dup) error = %v, want ErrInvalid", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil || got.Email != email {
		t.Fatalf("GetUser() = %+v, %v", got, err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil || len(users) == 0 {
		t.Fatalf("ListUsers() = %d, %v", len(users), err)
	}
}
