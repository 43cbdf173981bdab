package speech

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ent0n29/voicerag/internal/audio"
)

func TestMockTranscriberSilenceIsEmpty(t *testing.T) {
	tr := NewMockTranscriber()
	res, err := tr.Transcribe(context.Background(), make([]byte, 32000))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "" {
		t.Fatalf("Text = %q, want empty for silence", res.Text)
	}
	if res.DurationSeconds != 1 {
		t.Fatalf("DurationSeconds = %v, want 1", res.DurationSeconds)
	}
}

func TestMockTranscriberSpeech(t *testing.T) {
	tr := &MockTranscriber{Text: "hello"}
	wav, _ := audio.EncodeWAVPCM16LE([]byte{1, 2, 3, 4}, 16000)
	res, err := tr.Transcribe(context.Background(), wav)
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "hello" {
		t.Fatalf("Text = %q, want hello", res.Text)
	}
	if _, err := tr.Transcribe(context.Background(), nil); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("Transcribe(nil) error = %v, want ErrEmptyAudio", err)
	}
}

func TestMockSynthesizerIsDeterministicWAV(t *testing.T) {
	s := NewMockSynthesizer()
	a, err := s.Synthesize(context.Background(), "two words")
	if err != nil {
		t.Fatalf("Synthesize() error = %v", err)
	}
	b, _ := s.Synthesize(context.Background(), "two words")
	if !bytes.Equal(a, b) {
		t.Fatalf("Synthesize() not deterministic")
	}
	if audio.Sniff(a) != audio.FormatWAV {
		t.Fatalf("Sniff() = %+v, want wav", audio.Sniff(a))
	}
	pcm, _, err := audio.DecodeWAVPCM16(a)
	if err != nil {
		t.Fatalf("DecodeWAVPCM16() error = %v", err)
	}
	if want := 2 * 1920 * 2; len(pcm) != want {
		t.Fatalf("len(pcm) = %d, want %d", len(pcm), want)
	}
	if _, err := s.Synthesize(context.Background(), "   "); err == nil {
		t.Fatalf("Synthesize(blank) error = nil, want error")
	}
}
