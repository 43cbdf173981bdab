package retrieval

import (
	"context"
	"strings"
	"unicode"

	"github.com/ent0n29/voicerag/internal/store"
)

// Chunk is one scored excerpt of a document.
type Chunk struct {
	DocumentID string  `json:"document_id"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

type Retriever interface {
	RetrieveSimilar(ctx context.Context, query string, documentIDs []string, limit int) ([]Chunk, error)
}

// Index is a Retriever that can also accept new document chunks.
type Index interface {
	Retriever
	Add(ctx context.Context, doc store.Document, chunks []string) error
}

// BuildContext joins chunk texts with blank lines, capped at maxChars.
func BuildContext(chunks []Chunk, maxChars int) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text)
		b.WriteString("\n\n")
	}
	return truncateRunes(b.String(), maxChars)
}

// FallbackContext concatenates raw document text when similarity search is
// unavailable.
func FallbackContext(docs []store.Document, maxChars int) string {
	var b strings.Builder
	for _, d := range docs {
		if d.ContentText == "" {
			continue
		}
		b.WriteString(d.ContentText)
		b.WriteString("\n")
	}
	return truncateRunes(b.String(), maxChars)
}

func truncateRunes(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if i > n {
			break
		}
		cut = i
	}
	return s[:cut]
}

// SplitText breaks text into chunks of roughly size bytes, cutting at
// whitespace.
func SplitText(text string, size int) []string {
	if size <= 0 {
		size = DefaultChunkChars
	}
	words := strings.FieldsFunc(text, unicode.IsSpace)
	var chunks []string
	var b strings.Builder
	for _, w := range words {
		if b.Len() > 0 && b.Len()+1+len(w) > size {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(w)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}
