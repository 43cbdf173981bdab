package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// DebugRecorder keeps a diagnostic copy of every inbound chunk per client,
// plus a running concatenation. Failures are returned but never fatal to the
// caller.
type DebugRecorder struct {
	root string
	mu   sync.Mutex
}

func NewDebugRecorder(root string) *DebugRecorder {
	return &DebugRecorder{root: root}
}

func (r *DebugRecorder) Record(clientID string, index int, chunk []byte) error {
	if r == nil {
		return nil
	}
	dir := filepath.Join(r.root, filepath.Base(clientID))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create debug dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("chunk_%d.bin", index)), chunk, 0o644); err != nil {
		return fmt.Errorf("write debug chunk: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, "combined.bin"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open debug combined: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		return fmt.Errorf("append debug combined: %w", err)
	}
	return nil
}

// Discard removes the capture directory of a client, called when a new
// recording starts.
func (r *DebugRecorder) Discard(clientID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = os.RemoveAll(filepath.Join(r.root, filepath.Base(clientID)))
}
