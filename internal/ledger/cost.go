package ledger

// Category is the kind of model invocation being billed.
type Category string

const (
	CategorySTT Category = "stt"
	CategoryLLM Category = "llm"
	CategoryTTS Category = "tts"
)

// Rate prices a model in USD per Per units. Speech models bill input only:
// seconds of audio for STT (Per 60 gives a per-minute rate) and characters
// for TTS.
type Rate struct {
	Input  float64
	Output float64
	Per    float64
}

var rates = map[string]Rate{
	"gpt-3.5-turbo":          {Input: 0.0015, Output: 0.002, Per: 1000},
	"gpt-4o-mini":            {Input: 0.00015, Output: 0.0006, Per: 1000},
	"gpt-4o":                 {Input: 0.0025, Output: 0.01, Per: 1000},
	"whisper-1":              {Input: 0.006, Per: 60},
	"tts-1":                  {Input: 0.015, Per: 1000},
	"tts-1-hd":               {Input: 0.03, Per: 1000},
	"text-embedding-3-small": {Input: 0.00002, Per: 1000},
}

// Cost prices one invocation. known is false for models missing from the
// rate table, which cost zero.
func Cost(model string, inputUnits, outputUnits float64) (cost float64, known bool) {
	r, ok := rates[model]
	if !ok || r.Per <= 0 {
		return 0, false
	}
	return inputUnits/r.Per*r.Input + outputUnits/r.Per*r.Output, true
}
