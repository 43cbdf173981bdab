package session

import (
	"errors"
	"time"
)

// State is the lifecycle position of one voice connection.
type State string

const (
	StateIdle         State = "IDLE"
	StateSessionBound State = "SESSION_BOUND"
	StateRecording    State = "RECORDING"
	StateProcessing   State = "PROCESSING"
	StateClosed       State = "CLOSED"
)

var (
	ErrNotFound       = errors.New("connection not found")
	ErrClosed         = errors.New("connection closed")
	ErrTurnInProgress = errors.New("turn in progress")
)

// Info is a point-in-time copy of a connection's bookkeeping.
type Info struct {
	ID           string    `json:"client_id"`
	State        State     `json:"state"`
	SessionID    string    `json:"session_id,omitempty"`
	ChunkCount   int       `json:"chunk_count"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity_at"`
}
