package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrWriterClosed = errors.New("ledger writer closed")

// Writer buffers entries in memory and appends them as JSON lines to one
// file per UTC day. Flushes are debounced: every Schedule call pushes the
// pending write out by the debounce window.
type Writer struct {
	dir      string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending []Entry
	timer   *time.Timer
	closed  bool

	fileMu sync.Mutex
	writes int
}

func NewWriter(dir string, debounce time.Duration, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = 5 * time.Second
	}
	return &Writer{dir: dir, debounce: debounce, logger: logger}, nil
}

func (w *Writer) Append(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, e)
	return nil
}

// Schedule arms (or re-arms) the debounced flush.
func (w *Writer) Schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Flush(context.Background()); err != nil {
			w.logger.Error("ledger flush failed", zap.Error(err))
		}
	})
}

// Discard drops unflushed entries belonging to sessionID.
func (w *Writer) Discard(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	kept := w.pending[:0]
	dropped := 0
	for _, e := range w.pending {
		if e.SessionID == sessionID {
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	w.pending = kept
	return dropped
}

// Flush writes every pending entry now.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		w.requeue(batch)
		return err
	}

	byDay := make(map[string][]Entry)
	var days []string
	for _, e := range batch {
		day := e.Timestamp.UTC().Format(time.DateOnly)
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], e)
	}

	w.fileMu.Lock()
	defer w.fileMu.Unlock()
	for i, day := range days {
		if err := w.appendFile(day, byDay[day]); err != nil {
			var rest []Entry
			for _, d := range days[i:] {
				rest = append(rest, byDay[d]...)
			}
			w.requeue(rest)
			return err
		}
	}
	w.writes++
	return nil
}

// Close flushes what is pending and rejects further appends.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return w.Flush(ctx)
}

func (w *Writer) requeue(batch []Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(batch, w.pending...)
}

func (w *Writer) appendFile(day string, entries []Entry) error {
	f, err := os.OpenFile(w.path(day), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("encode ledger entry: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}
	return nil
}

// Read returns the flushed entries of one UTC day.
func (w *Writer) Read(day time.Time) ([]Entry, error) {
	w.fileMu.Lock()
	defer w.fileMu.Unlock()

	f, err := os.Open(w.path(day.UTC().Format(time.DateOnly)))
	if errors.Is(err, fs.ErrNotExist) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	out := make([]Entry, 0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			w.logger.Warn("skipping corrupt ledger line", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger file: %w", err)
	}
	return out, nil
}

func (w *Writer) path(day string) string {
	return filepath.Join(w.dir, day+".jsonl")
}
