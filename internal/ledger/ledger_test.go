package ledger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestLedger(t *testing.T, debounce time.Duration) (*Ledger, *Writer) {
	t.Helper()
	w, err := NewWriter(t.TempDir(), debounce, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	return New(w, zap.NewNop(), nil), w
}

func TestRecordUsageWithoutSessionIsNoop(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)
	if _, ok := l.RecordUsage("S1", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 10}); ok {
		t.Fatalf("RecordUsage() ok = true, want false without session")
	}
	if l.CurrentStats() != nil {
		t.Fatalf("CurrentStats() = %+v, want nil", l.CurrentStats())
	}
}

func TestSessionsAccumulateIndependently(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)
	l.StartSession("A", "u1", "agent-a")
	l.StartSession("B", "u2", "agent-b")

	l.RecordUsage("A", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 1000, OutputUnits: 1000})
	l.RecordUsage("B", Usage{Category: CategorySTT, Model: "whisper-1", InputUnits: 60})
	l.RecordUsage("A", Usage{Category: CategoryTTS, Model: "tts-1", InputUnits: 100})

	a, ok := l.Stats("A")
	if !ok {
		t.Fatalf("Stats(A) missing")
	}
	if a.TotalInputUnits != 1100 || a.TotalOutputUnits != 1000 {
		t.Fatalf("Stats(A) units = %v/%v, want 1100/1000", a.TotalInputUnits, a.TotalOutputUnits)
	}
	b, _ := l.Stats("B")
	if b.TotalInputUnits != 60 || b.TotalCost != 0.006 {
		t.Fatalf("Stats(B) = %+v, want 60 units and $0.006", b)
	}
	if cur := l.CurrentStats(); cur == nil || cur.SessionID != "B" {
		t.Fatalf("CurrentStats() = %+v, want B", cur)
	}
}

func TestStartSessionResetsTotalsAndDropsPending(t *testing.T) {
	l, w := newTestLedger(t, time.Hour)
	l.StartSession("A", "u1", "agent-a")
	l.StartSession("B", "u2", "agent-b")
	l.RecordUsage("A", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 10})
	l.RecordUsage("B", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 10})

	l.StartSession("A", "u1", "agent-a")
	if a, _ := l.Stats("A"); a.TotalInputUnits != 0 {
		t.Fatalf("Stats(A) after restart = %+v, want zero totals", a)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	logs, err := l.AllLogs()
	if err != nil {
		t.Fatalf("AllLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].SessionID != "B" {
		t.Fatalf("AllLogs() = %+v, want only B's entry", logs)
	}
}

func TestRecordTurnDebouncesIntoOneWrite(t *testing.T) {
	l, w := newTestLedger(t, 30*time.Millisecond)
	l.StartSession("S1", "u1", "a1")
	for i := 0; i < 3; i++ {
		l.RecordTurn("S1", Turn{MessageID: "m", UserText: "hi", BotText: "hello"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		w.fileMu.Lock()
		writes := w.writes
		w.fileMu.Unlock()
		if writes > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("debounced flush never happened")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(60 * time.Millisecond)

	w.fileMu.Lock()
	writes := w.writes
	w.fileMu.Unlock()
	if writes != 1 {
		t.Fatalf("writes = %d, want 1", writes)
	}
	logs, _ := l.SessionLogs("S1")
	if len(logs) != 3 {
		t.Fatalf("len(SessionLogs) = %d, want 3", len(logs))
	}
	if stats, _ := l.Stats("S1"); stats.MessageCount != 6 {
		t.Fatalf("MessageCount = %d, want 6", stats.MessageCount)
	}
}

func TestRecordUsageAloneIsFlushed(t *testing.T) {
	l, _ := newTestLedger(t, 10*time.Millisecond)
	l.StartSession("S1", "u1", "a1")
	if _, ok := l.RecordUsage("S1", Usage{Category: CategorySTT, Model: "whisper-1", InputUnits: 3}); !ok {
		t.Fatalf("RecordUsage() ok = false")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		logs, err := l.SessionLogs("S1")
		if err != nil {
			t.Fatalf("SessionLogs() error = %v", err)
		}
		if len(logs) == 1 {
			if logs[0].Kind != KindUsage || logs[0].Category != CategorySTT {
				t.Fatalf("entry = %+v, want stt usage", logs[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("usage entry never flushed without a turn")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordTurnRedactsText(t *testing.T) {
	l, _ := newTestLedger(t, time.Hour)
	l.StartSession("S1", "u1", "a1")
	e, ok := l.RecordTurn("S1", Turn{UserText: "mail me at a@b.io", BotText: "ok"})
	if !ok {
		t.Fatalf("RecordTurn() ok = false")
	}
	if strings.Contains(e.UserText, "a@b.io") {
		t.Fatalf("UserText = %q, want redacted", e.UserText)
	}
}

func TestCloseFlushesAndSessionLogsFilters(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, time.Hour, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	l := New(w, zap.NewNop(), nil)
	l.StartSession("S1", "u1", "a1")
	l.StartSession("S2", "u2", "a2")
	l.RecordUsage("S1", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 5})
	l.RecordUsage("S2", Usage{Category: CategoryLLM, Model: "gpt-4o-mini", InputUnits: 7})

	if logs, _ := l.SessionLogs("S1"); len(logs) != 0 {
		t.Fatalf("SessionLogs() before flush = %d entries, want 0", len(logs))
	}
	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	logs, err := l.SessionLogs("S1")
	if err != nil {
		t.Fatalf("SessionLogs() error = %v", err)
	}
	if len(logs) != 1 || logs[0].InputUnits != 5 {
		t.Fatalf("SessionLogs(S1) = %+v, want one entry with 5 units", logs)
	}
	name := time.Now().UTC().Format(time.DateOnly) + ".jsonl"
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("Stat(%s) error = %v", name, err)
	}
	if err := w.Append(Entry{}); err != ErrWriterClosed {
		t.Fatalf("Append() after close error = %v, want ErrWriterClosed", err)
	}
}
