package retrieval

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ent0n29/voicerag/internal/store"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRetriever stores chunk embeddings in the document_chunks table and
// ranks them with pgvector cosine distance.
type PostgresRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPostgresRetriever(pool *pgxpool.Pool, embedder Embedder) *PostgresRetriever {
	return &PostgresRetriever{pool: pool, embedder: embedder}
}

func (r *PostgresRetriever) Add(ctx context.Context, doc store.Document, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	vectors, err := r.embedder.Embed(ctx, chunks)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.ID, err)
	}

	batch := &pgx.Batch{}
	for i, text := range chunks {
		batch.Queue(
			`INSERT INTO document_chunks (id, document_id, agent_id, chunk_index, text, embedding)
			 VALUES ($1, $2, $3, $4, $5, $6::vector)`,
			uuid.NewString(), doc.ID, doc.AgentID, i, text, vectorLiteral(vectors[i]),
		)
	}
	if err := r.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert document chunks: %w", err)
	}
	return nil
}

func (r *PostgresRetriever) RetrieveSimilar(ctx context.Context, query string, documentIDs []string, limit int) ([]Chunk, error) {
	if len(documentIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT document_id, text, 1 - (embedding <=> $1::vector) AS score
		 FROM document_chunks
		 WHERE document_id = ANY($2)
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		vectorLiteral(vectors[0]), documentIDs, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Chunk, error) {
		var c Chunk
		err := row.Scan(&c.DocumentID, &c.Text, &c.Score)
		return c, err
	})
}

// vectorLiteral renders v in pgvector text form, e.g. [0.1,0.2].
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 10)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
