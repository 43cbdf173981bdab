package speech

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"strings"

	"github.com/ent0n29/voicerag/internal/audio"
)

const (
	mockSampleRate  = 16000
	mockWordSeconds = 0.12
)

// MockTranscriber is the offline stand-in used when no speech backend is
// configured. Silent input (all zero bytes) transcribes to empty text.
type MockTranscriber struct {
	Text string
}

func NewMockTranscriber() *MockTranscriber {
	return &MockTranscriber{Text: "simulated voice input"}
}

func (t *MockTranscriber) Model() string { return "mock-stt" }

func (t *MockTranscriber) Transcribe(ctx context.Context, data []byte) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	if len(data) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	pcm := data
	sampleRate := mockSampleRate
	if decoded, sr, err := audio.DecodeWAVPCM16(data); err == nil {
		pcm, sampleRate = decoded, sr
	}
	duration := audio.PCM16Duration(len(pcm), sampleRate)
	if isSilent(pcm) {
		return Transcript{DurationSeconds: duration}, nil
	}
	return Transcript{Text: t.Text, DurationSeconds: duration}, nil
}

func isSilent(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// MockSynthesizer renders a short deterministic tone per word as WAV.
type MockSynthesizer struct{}

func NewMockSynthesizer() *MockSynthesizer { return &MockSynthesizer{} }

func (s *MockSynthesizer) Model() string { return "mock-tts" }

func (s *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, errors.New("synthesize: empty text")
	}
	samplesPerWord := int(mockSampleRate * mockWordSeconds)
	pcm := make([]byte, 0, len(words)*samplesPerWord*2)
	for i, w := range words {
		freq := 220 + float64(len(w)%8)*40
		for n := 0; n < samplesPerWord; n++ {
			v := int16(6000 * math.Sin(2*math.Pi*freq*float64(n+i*samplesPerWord)/mockSampleRate))
			pcm = binary.LittleEndian.AppendUint16(pcm, uint16(v))
		}
	}
	return audio.EncodeWAVPCM16LE(pcm, mockSampleRate)
}
