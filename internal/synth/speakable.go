package synth

import (
	"regexp"
	"strings"
	"unicode"
)

type rewrite struct {
	pattern *regexp.Regexp
	with    string
}

// Ordered: fenced code must go before inline code, links before bare URLs.
var speakRewrites = []rewrite{
	{regexp.MustCompile("(?s)```.*?```"), " "},
	{regexp.MustCompile("`[^`]*`"), " "},
	{regexp.MustCompile(`\[(.*?)\]\((.*?)\)`), "$1"},
	{regexp.MustCompile(`https?://\S+`), " "},
}

var markupReplacer = strings.NewReplacer(
	"*", " ", "_", " ", "#", " ", "~", " ", "|", " ", "\\", " ", "<", " ", ">", " ",
)

// Speakable strips markdown and symbol glyphs from model output so the
// synthesizer reads prose only. Whitespace runs collapse to one space.
func Speakable(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	for _, rw := range speakRewrites {
		raw = rw.pattern.ReplaceAllString(raw, rw.with)
	}
	raw = markupReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case r == '\ufe0f', unicode.IsControl(r), unicode.In(r, unicode.So, unicode.Sk, unicode.Cf):
			// emoji, variation selectors, joiners
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}
