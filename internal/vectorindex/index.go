package vectorindex

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cliniscribe/notegen-backend/internal/apperr"
	"github.com/cliniscribe/notegen-backend/internal/domain"
	"github.com/cliniscribe/notegen-backend/internal/platform/logger"
	"github.com/cliniscribe/notegen-backend/internal/platform/qdrant"
)

const embedBatchSize = 64

// Embedder produces one embedding per input text, index-aligned.
type Embedder interface {
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// RetrievedChunk is a search hit: the chunk plus its similarity score.
type RetrievedChunk struct {
	ChunkID   string
	FirstLine int
	LastLine  int
	Text      string
	Score     float64
}

// Index is the conversation-scoped retrieval surface. Each conversation's
// chunks live in their own namespace and are dropped when the job finishes.
type Index interface {
	Ingest(ctx context.Context, conversationID string, chunks []domain.Chunk) error
	Search(ctx context.Context, conversationID, query string, topK int) ([]RetrievedChunk, error)
	Drop(ctx context.Context, conversationID string) error
	Ping(ctx context.Context) error
}

type index struct {
	log      *logger.Logger
	store    qdrant.Store
	embedder Embedder
}

func New(log *logger.Logger, store qdrant.Store, embedder Embedder) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("vectorindex: logger required")
	}
	if store == nil {
		return nil, fmt.Errorf("vectorindex: vector store required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("vectorindex: embedder required")
	}
	return &index{
		log:      log.With("service", "VectorIndex"),
		store:    store,
		embedder: embedder,
	}, nil
}

func (ix *index) Ingest(ctx context.Context, conversationID string, chunks []domain.Chunk) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperr.Invalid("conversation id required")
	}
	if len(chunks) == 0 {
		return nil
	}

	embedded, err := ix.ensureEmbeddings(ctx, chunks)
	if err != nil {
		return err
	}

	vectors := make([]qdrant.Vector, 0, len(embedded))
	for _, ch := range embedded {
		vectors = append(vectors, qdrant.Vector{
			ID:     ch.ChunkID,
			Values: ch.Embedding,
			Metadata: map[string]any{
				"first_line": ch.FirstLine,
				"last_line":  ch.LastLine,
				"text":       ch.Text,
			},
		})
	}
	if err := ix.store.Upsert(ctx, conversationID, vectors); err != nil {
		return fmt.Errorf("%w: vector upsert: %v", apperr.ErrDependencyUnavailable, err)
	}
	ix.log.Info("Chunks ingested", "conversation_id", conversationID, "chunks", len(vectors))
	return nil
}

// ensureEmbeddings fills in missing chunk embeddings in batches. Chunks that
// already carry a vector are passed through untouched.
func (ix *index) ensureEmbeddings(ctx context.Context, chunks []domain.Chunk) ([]domain.Chunk, error) {
	out := make([]domain.Chunk, len(chunks))
	copy(out, chunks)

	var pending []int
	for i, ch := range out {
		if len(ch.Embedding) == 0 {
			pending = append(pending, i)
		}
	}

	for start := 0; start < len(pending); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]
		texts := make([]string, len(batch))
		for i, idx := range batch {
			texts[i] = out[idx].Text
		}
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("%w: embed chunks: %v", apperr.ErrDependencyUnavailable, err)
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: embedder returned %d vectors for %d inputs", apperr.ErrDependencyUnavailable, len(vectors), len(batch))
		}
		for i, idx := range batch {
			out[idx].Embedding = vectors[i]
		}
	}
	return out, nil
}

func (ix *index) Search(ctx context.Context, conversationID, query string, topK int) ([]RetrievedChunk, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, apperr.Invalid("conversation id required")
	}
	if strings.TrimSpace(query) == "" {
		return nil, apperr.Invalid("search query required")
	}
	if topK <= 0 {
		topK = 5
	}

	vectors, err := ix.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", apperr.ErrDependencyUnavailable, err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: embedder returned %d vectors for query", apperr.ErrDependencyUnavailable, len(vectors))
	}

	matches, err := ix.store.Query(ctx, conversationID, vectors[0], topK)
	if err != nil {
		return nil, fmt.Errorf("%w: vector query: %v", apperr.ErrDependencyUnavailable, err)
	}

	out := make([]RetrievedChunk, 0, len(matches))
	for _, m := range matches {
		out = append(out, RetrievedChunk{
			ChunkID:   m.ID,
			FirstLine: payloadInt(m.Payload, "first_line"),
			LastLine:  payloadInt(m.Payload, "last_line"),
			Text:      payloadString(m.Payload, "text"),
			Score:     m.Score,
		})
	}

	// Equal scores resolve to the earlier span so retrieval is deterministic.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].FirstLine < out[j].FirstLine
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

func (ix *index) Drop(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return apperr.Invalid("conversation id required")
	}
	if err := ix.store.DropNamespace(ctx, conversationID); err != nil {
		return fmt.Errorf("%w: drop namespace: %v", apperr.ErrDependencyUnavailable, err)
	}
	ix.log.Info("Conversation vectors dropped", "conversation_id", conversationID)
	return nil
}

func (ix *index) Ping(ctx context.Context) error {
	return ix.store.Ping(ctx)
}

func payloadInt(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	default:
		return 0
	}
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}
