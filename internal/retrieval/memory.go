package retrieval

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ent0n29/voicerag/internal/store"
)

type memoryChunk struct {
	documentID string
	text       string
	vector     []float32
}

// MemoryRetriever keeps chunk vectors in process and scores by cosine
// similarity.
type MemoryRetriever struct {
	embedder Embedder

	mu     sync.RWMutex
	chunks []memoryChunk
}

func NewMemoryRetriever(embedder Embedder) *MemoryRetriever {
	return &MemoryRetriever{embedder: embedder}
}

func (r *MemoryRetriever) Add(ctx context.Context, doc store.Document, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := r.embedder.Embed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, text := range chunks {
		r.chunks = append(r.chunks, memoryChunk{documentID: doc.ID, text: text, vector: vectors[i]})
	}
	return nil
}

func (r *MemoryRetriever) RetrieveSimilar(ctx context.Context, query string, documentIDs []string, limit int) ([]Chunk, error) {
	if len(documentIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	q := vectors[0]

	allowed := make(map[string]struct{}, len(documentIDs))
	for _, id := range documentIDs {
		allowed[id] = struct{}{}
	}

	r.mu.RLock()
	out := make([]Chunk, 0, len(r.chunks))
	for _, c := range r.chunks {
		if _, ok := allowed[c.documentID]; !ok {
			continue
		}
		out = append(out, Chunk{DocumentID: c.documentID, Text: c.text, Score: cosine(q, c.vector)})
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
