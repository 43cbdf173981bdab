package session

import (
	"strings"
	"sync"
	"time"
)

// Connection is the server-side record of one voice socket. All mutation
// happens under its own mutex, so audio appends from the read path never
// interleave with a drain at stop time.
type Connection struct {
	ID          string
	ConnectedAt time.Time

	closeOnce sync.Once
	closer    func()

	mu           sync.Mutex
	state        State
	sessionID    string
	chunks       [][]byte
	transcript   []string
	lastActivity time.Time
}

func newConnection(id string, now time.Time, closer func()) *Connection {
	return &Connection{
		ID:           id,
		ConnectedAt:  now,
		closer:       closer,
		state:        StateIdle,
		lastActivity: now,
	}
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// Bind attaches a verified conversation session. Binding while recording
// discards the buffered audio; binding while a turn is processing fails.
func (c *Connection) Bind(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosed:
		return ErrClosed
	case StateProcessing:
		return ErrTurnInProgress
	}
	c.sessionID = sessionID
	c.chunks = nil
	c.transcript = nil
	c.state = StateSessionBound
	return nil
}

// AppendAudio buffers a copy of chunk and returns the buffered chunk count.
// It reports false when the connection is not accepting audio.
func (c *Connection) AppendAudio(chunk []byte) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSessionBound && c.state != StateRecording {
		return 0, false
	}
	c.chunks = append(c.chunks, append([]byte(nil), chunk...))
	c.state = StateRecording
	return len(c.chunks), true
}

// BeginProcessing drains the audio buffer and moves to PROCESSING. It
// reports false, leaving state unchanged, unless the connection is
// recording with at least one chunk.
func (c *Connection) BeginProcessing() (audio []byte, sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRecording || len(c.chunks) == 0 {
		return nil, "", false
	}
	size := 0
	for _, ch := range c.chunks {
		size += len(ch)
	}
	audio = make([]byte, 0, size)
	for _, ch := range c.chunks {
		audio = append(audio, ch...)
	}
	c.chunks = nil
	c.state = StateProcessing
	return audio, c.sessionID, true
}

// FinishProcessing returns a processing connection to SESSION_BOUND.
func (c *Connection) FinishProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateProcessing {
		c.state = StateSessionBound
	}
}

// AppendTranscript adds text to the running transcript and returns the
// whole transcript so far.
func (c *Connection) AppendTranscript(text string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, text)
	return strings.Join(c.transcript, " ")
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Connection) Closed() bool {
	return c.State() == StateClosed
}

func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.ID,
		State:        c.state,
		SessionID:    c.sessionID,
		ChunkCount:   len(c.chunks),
		ConnectedAt:  c.ConnectedAt,
		LastActivity: c.lastActivity,
	}
}

// close marks the connection CLOSED, drops buffers and runs the closer
// once. It reports whether this call did the closing.
func (c *Connection) close() bool {
	c.mu.Lock()
	c.state = StateClosed
	c.chunks = nil
	c.mu.Unlock()

	first := false
	c.closeOnce.Do(func() {
		first = true
		if c.closer != nil {
			c.closer()
		}
	})
	return first
}
