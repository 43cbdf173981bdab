package ledger

import (
	"math"
	"testing"
)

func TestCostTable(t *testing.T) {
	cases := []struct {
		model   string
		in, out float64
		want    float64
		known   bool
	}{
		{"gpt-4o-mini", 1000, 1000, 0.00075, true},
		{"gpt-3.5-turbo", 2000, 500, 0.004, true},
		{"whisper-1", 30, 0, 0.003, true},
		{"tts-1-hd", 500, 0, 0.015, true},
		{"tts-1", 2000, 0, 0.03, true},
		{"llama3.2", 100, 100, 0, false},
	}
	for _, tc := range cases {
		got, known := Cost(tc.model, tc.in, tc.out)
		if known != tc.known {
			t.Fatalf("Cost(%s) known = %v, want %v", tc.model, known, tc.known)
		}
		if math.Abs(got-tc.want) > 1e-12 {
			t.Fatalf("Cost(%s, %v, %v) = %v, want %v", tc.model, tc.in, tc.out, got, tc.want)
		}
	}
}

func TestCostIsPure(t *testing.T) {
	for _, model := range []string{"gpt-4o-mini", "whisper-1", "tts-1", "unknown"} {
		a, _ := Cost(model, 1234, 567)
		b, _ := Cost(model, 1234, 567)
		if a != b {
			t.Fatalf("Cost(%s) not deterministic: %v != %v", model, a, b)
		}
	}
}
