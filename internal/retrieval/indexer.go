package retrieval

import (
	"context"

	"github.com/ent0n29/voicerag/internal/store"
)

const DefaultChunkChars = 800

// Indexer splits document text into chunks and adds them to an Index.
type Indexer struct {
	index      Index
	chunkChars int
}

func NewIndexer(index Index, chunkChars int) *Indexer {
	if chunkChars <= 0 {
		chunkChars = DefaultChunkChars
	}
	return &Indexer{index: index, chunkChars: chunkChars}
}

// IndexDocument returns the number of chunks stored.
func (i *Indexer) IndexDocument(ctx context.Context, doc store.Document) (int, error) {
	chunks := SplitText(doc.ContentText, i.chunkChars)
	if err := i.index.Add(ctx, doc, chunks); err != nil {
		return 0, err
	}
	return len(chunks), nil
}
