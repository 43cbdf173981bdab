package speech

import "context"

// Transcript is the result of one speech-to-text call.
type Transcript struct {
	Text            string
	DurationSeconds float64
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (Transcript, error)
	Model() string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
	Model() string
}
