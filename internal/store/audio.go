package store

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ent0n29/voicerag/internal/audio"
)

// AudioStore persists synthesized audio and returns a locator clients can
// fetch it from.
type AudioStore interface {
	SaveAudio(ctx context.Context, data []byte) (locator string, err error)
}

// FileAudioStore writes artifacts under dir and addresses them below
// urlPrefix, e.g. /storage/audio/tts_dynamic_1700000000000_k3j9x.mp3.
type FileAudioStore struct {
	dir       string
	urlPrefix string
}

func NewFileAudioStore(dir, urlPrefix string) (*FileAudioStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &FileAudioStore{dir: dir, urlPrefix: urlPrefix}, nil
}

func (s *FileAudioStore) Dir() string { return s.dir }

func (s *FileAudioStore) SaveAudio(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("tts_dynamic_%d_%s.%s", time.Now().UnixMilli(), RandomSuffix(5), audio.Sniff(data).Ext)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("write audio artifact: %w", err)
	}
	return path.Join(s.urlPrefix, name), nil
}

// RandomSuffix returns n lowercase base36 characters.
func RandomSuffix(n int) string {
	out := make([]byte, 0, n)
	limit := big.NewInt(36)
	for len(out) < n {
		v, err := rand.Int(rand.Reader, limit)
		if err != nil {
			v = big.NewInt(time.Now().UnixNano() % 36)
		}
		out = append(out, strconv.FormatInt(v.Int64(), 36)[0])
	}
	return string(out)
}
