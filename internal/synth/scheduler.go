package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/voicerag/internal/speech"
	"golang.org/x/sync/errgroup"
)

var ErrEmptyText = errors.New("synthesize: empty text")

const DefaultWordsPerChunk = 15

type Result struct {
	Audio          []byte
	ChunkCount     int
	ProcessingTime time.Duration
}

// Scheduler synthesizes long text as word chunks in parallel. Chunk i is
// dispatched i*Stagger after the first, and results are joined in chunk
// order regardless of completion order. The joined audio is the byte
// concatenation of the chunks unless MergeWAV is set.
type Scheduler struct {
	Synth         speech.Synthesizer
	WordsPerChunk int
	Stagger       time.Duration
	// MergeWAV rewrites WAV chunks into a single RIFF container. Only the
	// mock synthesizer emits WAV.
	MergeWAV bool
}

func (s *Scheduler) Synthesize(ctx context.Context, text string) (Result, error) {
	started := time.Now()
	chunks := SplitWords(text, s.WordsPerChunk)
	if len(chunks) == 0 {
		return Result{}, ErrEmptyText
	}

	parts := make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		delay := time.Duration(i) * s.Stagger
		g.Go(func() error {
			if err := sleepCtx(gctx, delay); err != nil {
				return err
			}
			data, err := s.Synth.Synthesize(gctx, chunk)
			if err != nil {
				return fmt.Errorf("synthesize chunk %d: %w", i, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return Result{
		Audio:          joinAudio(parts, s.MergeWAV),
		ChunkCount:     len(chunks),
		ProcessingTime: time.Since(started),
	}, nil
}

// SplitWords groups whitespace-separated words into chunks of at most n.
func SplitWords(text string, n int) []string {
	if n <= 0 {
		n = DefaultWordsPerChunk
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	out := make([]string, 0, (len(words)+n-1)/n)
	for start := 0; start < len(words); start += n {
		end := min(start+n, len(words))
		out = append(out, strings.Join(words[start:end], " "))
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
