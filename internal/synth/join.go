package synth

import (
	"bytes"

	"github.com/ent0n29/voicerag/internal/audio"
)

// joinAudio concatenates chunk audio in order. With mergeWAV set, WAV parts
// sharing a sample rate become one container instead.
func joinAudio(parts [][]byte, mergeWAV bool) []byte {
	if len(parts) == 1 {
		return parts[0]
	}
	if mergeWAV {
		if merged, ok := joinWAV(parts); ok {
			return merged
		}
	}
	return bytes.Join(parts, nil)
}

func joinWAV(parts [][]byte) ([]byte, bool) {
	var pcm []byte
	rate := 0
	for _, p := range parts {
		if audio.Sniff(p) != audio.FormatWAV {
			return nil, false
		}
		samples, sr, err := audio.DecodeWAVPCM16(p)
		if err != nil || (rate != 0 && sr != rate) {
			return nil, false
		}
		rate = sr
		pcm = append(pcm, samples...)
	}
	out, err := audio.EncodeWAVPCM16LE(pcm, rate)
	if err != nil {
		return nil, false
	}
	return out, true
}
