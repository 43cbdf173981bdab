package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/voicerag/internal/observability"
	"github.com/ent0n29/voicerag/internal/policy"
)

const (
	KindUsage = "usage"
	KindTurn  = "turn"
)

// Entry is one append-only ledger record.
type Entry struct {
	ID          string         `json:"id"`
	Timestamp   time.Time      `json:"timestamp"`
	SessionID   string         `json:"sessionId"`
	UserID      string         `json:"userId,omitempty"`
	AgentID     string         `json:"agentId,omitempty"`
	Kind        string         `json:"kind"`
	Category    Category       `json:"category,omitempty"`
	Model       string         `json:"model,omitempty"`
	InputUnits  float64        `json:"inputUnits,omitempty"`
	OutputUnits float64        `json:"outputUnits,omitempty"`
	Cost        float64        `json:"cost"`
	MessageID   string         `json:"messageId,omitempty"`
	UserText    string         `json:"userText,omitempty"`
	BotText     string         `json:"botText,omitempty"`
	Stats       *SessionStats  `json:"sessionStats,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// SessionStats is the running total of one session's model usage.
type SessionStats struct {
	SessionID        string    `json:"sessionId"`
	UserID           string    `json:"userId"`
	AgentID          string    `json:"agentId"`
	StartTime        time.Time `json:"startTime"`
	TotalCost        float64   `json:"totalCost"`
	TotalInputUnits  float64   `json:"totalInputUnits"`
	TotalOutputUnits float64   `json:"totalOutputUnits"`
	MessageCount     int       `json:"messageCount"`
}

type Usage struct {
	Category    Category
	Model       string
	InputUnits  float64
	OutputUnits float64
	Metadata    map[string]any
}

type Turn struct {
	MessageID string
	UserText  string
	BotText   string
}

// Ledger attributes cost to model invocations. Accumulators are kept per
// session so concurrent conversations never overwrite each other's totals.
type Ledger struct {
	writer  *Writer
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*SessionStats
	current  string
}

func New(writer *Writer, logger *zap.Logger, metrics *observability.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		writer:   writer,
		logger:   logger.Named("ledger"),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*SessionStats),
	}
}

// StartSession (re)initialises the accumulator of sessionID, drops that
// session's unflushed entries, and makes it the current session.
func (l *Ledger) StartSession(sessionID, userID, agentID string) {
	l.mu.Lock()
	l.sessions[sessionID] = &SessionStats{
		SessionID: sessionID,
		UserID:    userID,
		AgentID:   agentID,
		StartTime: l.now(),
	}
	l.current = sessionID
	l.mu.Unlock()

	dropped := l.writer.Discard(sessionID)
	l.logger.Info("ledger session started",
		zap.String("session_id", sessionID),
		zap.String("agent_id", agentID),
		zap.Int("discarded_entries", dropped))
}

// RecordUsage prices and records one model invocation and schedules a
// debounced flush. It is a no-op, with a warning, when sessionID has no
// accumulator.
func (l *Ledger) RecordUsage(sessionID string, u Usage) (Entry, bool) {
	cost, known := Cost(u.Model, u.InputUnits, u.OutputUnits)
	if !known {
		l.logger.Warn("unknown model in rate table, cost recorded as zero", zap.String("model", u.Model))
	}

	l.mu.Lock()
	acc, ok := l.sessions[sessionID]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("no active ledger session, usage not tracked",
			zap.String("session_id", sessionID),
			zap.String("model", u.Model))
		return Entry{}, false
	}
	acc.TotalCost += cost
	acc.TotalInputUnits += u.InputUnits
	acc.TotalOutputUnits += u.OutputUnits
	entry := Entry{
		ID:          uuid.NewString(),
		Timestamp:   l.now(),
		SessionID:   sessionID,
		UserID:      acc.UserID,
		AgentID:     acc.AgentID,
		Kind:        KindUsage,
		Category:    u.Category,
		Model:       u.Model,
		InputUnits:  u.InputUnits,
		OutputUnits: u.OutputUnits,
		Cost:        cost,
		Metadata:    u.Metadata,
	}
	l.mu.Unlock()

	l.append(entry)
	l.writer.Schedule()
	l.metrics.ObserveModelCost(string(u.Category), u.Model, cost)
	l.logger.Debug("model usage",
		zap.String("session_id", sessionID),
		zap.String("category", string(u.Category)),
		zap.String("model", u.Model),
		zap.Float64("input_units", u.InputUnits),
		zap.Float64("output_units", u.OutputUnits),
		zap.Float64("cost_usd", cost))
	return entry, true
}

// RecordTurn appends a turn entry carrying a stats snapshot and schedules a
// debounced flush.
func (l *Ledger) RecordTurn(sessionID string, t Turn) (Entry, bool) {
	l.mu.Lock()
	acc, ok := l.sessions[sessionID]
	if !ok {
		l.mu.Unlock()
		l.logger.Warn("no active ledger session, turn not tracked", zap.String("session_id", sessionID))
		return Entry{}, false
	}
	acc.MessageCount += 2
	snapshot := *acc
	l.mu.Unlock()

	userText, _ := policy.RedactPII(t.UserText)
	botText, _ := policy.RedactPII(t.BotText)
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: l.now(),
		SessionID: sessionID,
		UserID:    snapshot.UserID,
		AgentID:   snapshot.AgentID,
		Kind:      KindTurn,
		MessageID: t.MessageID,
		UserText:  userText,
		BotText:   botText,
		Stats:     &snapshot,
	}
	l.append(entry)
	l.writer.Schedule()
	return entry, true
}

func (l *Ledger) append(e Entry) {
	if err := l.writer.Append(e); err != nil {
		l.logger.Warn("ledger entry dropped", zap.String("session_id", e.SessionID), zap.Error(err))
	}
}

func (l *Ledger) Stats(sessionID string) (SessionStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.sessions[sessionID]
	if !ok {
		return SessionStats{}, false
	}
	return *acc, true
}

// CurrentStats snapshots the most recently started session, or nil.
func (l *Ledger) CurrentStats() *SessionStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.sessions[l.current]
	if !ok {
		return nil
	}
	s := *acc
	return &s
}

func (l *Ledger) AllStats() []SessionStats {
	l.mu.Lock()
	out := make([]SessionStats, 0, len(l.sessions))
	for _, acc := range l.sessions {
		out = append(out, *acc)
	}
	l.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

// SessionLogs returns today's flushed entries of sessionID.
func (l *Ledger) SessionLogs(sessionID string) ([]Entry, error) {
	all, err := l.AllLogs()
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0)
	for _, e := range all {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}

// AllLogs returns today's flushed entries.
func (l *Ledger) AllLogs() ([]Entry, error) {
	return l.writer.Read(l.now())
}

func (l *Ledger) Flush(ctx context.Context) error {
	return l.writer.Flush(ctx)
}

func (l *Ledger) Close(ctx context.Context) error {
	return l.writer.Close(ctx)
}
