package audio

import "bytes"

// Format describes a container recognised from its leading bytes.
type Format struct {
	Ext         string
	ContentType string
}

var (
	FormatMP3     = Format{Ext: "mp3", ContentType: "audio/mpeg"}
	FormatWAV     = Format{Ext: "wav", ContentType: "audio/wav"}
	FormatWebM    = Format{Ext: "webm", ContentType: "audio/webm"}
	FormatOgg     = Format{Ext: "ogg", ContentType: "audio/ogg"}
	FormatUnknown = Format{Ext: "bin", ContentType: "application/octet-stream"}
)

// Sniff guesses the container of b. Browsers stream webm/opus from
// MediaRecorder, OpenAI speech returns mp3, the mock returns wav.
func Sniff(b []byte) Format {
	switch {
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WAVE")):
		return FormatWAV
	case len(b) >= 3 && bytes.Equal(b[0:3], []byte("ID3")):
		return FormatMP3
	case len(b) >= 2 && b[0] == 0xFF && b[1]&0xE0 == 0xE0:
		return FormatMP3
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte{0x1A, 0x45, 0xDF, 0xA3}):
		return FormatWebM
	case len(b) >= 4 && bytes.Equal(b[0:4], []byte("OggS")):
		return FormatOgg
	default:
		return FormatUnknown
	}
}
