// Package retrieval turns a raw query into a ranked set of supporting
// documents via the embedding and semantic index services. It is a pure
// composition step: one embedding call, one index call, no re-ranking,
// de-duplication, or filtering on the way out.
package retrieval

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/pkg/logger"
	"github.com/rag-chatbot/backend/pkg/utils"
)

// Document is a passage returned by the semantic index. Metadata carries at
// minimum a human-readable source name and, usually, a URL.
type Document struct {
	Text     string            `json:"text"`
	Score    float32           `json:"score"`
	Metadata map[string]string `json:"metadata"`
}

type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

type Index interface {
	Search(ctx context.Context, queryText string, vector []float32, k int) ([]Document, error)
}

// EmbeddingCache is optional; a nil cache means every query hits the
// embedding service. Cache failures are never fatal to retrieval.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32) error
}

type Orchestrator struct {
	embedder Embedder
	index    Index
	cache    EmbeddingCache
}

func NewOrchestrator(embedder Embedder, index Index, cache EmbeddingCache) *Orchestrator {
	return &Orchestrator{
		embedder: embedder,
		index:    index,
		cache:    cache,
	}
}

// Retrieve returns at most k documents in the exact order the index service
// returned them. Embedding and index failures both surface as
// errs.ErrRetrievalFailed with the cause attached; an error never degrades
// to an empty result set.
func (o *Orchestrator) Retrieve(ctx context.Context, queryText string, k int) ([]Document, error) {
	if k < 1 {
		return nil, fmt.Errorf("%w: k must be >= 1, got %d", errs.ErrInvalidArgument, k)
	}

	vector, err := o.embedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding query: %w", errs.ErrRetrievalFailed, err)
	}

	docs, err := o.index.Search(ctx, queryText, vector, k)
	if err != nil {
		return nil, fmt.Errorf("%w: index search: %w", errs.ErrRetrievalFailed, err)
	}

	logger.Debug("Retrieval completed",
		zap.Int("k", k),
		zap.Int("results", len(docs)),
	)
	metrics.RetrievalDocs.Observe(float64(len(docs)))

	return docs, nil
}

func (o *Orchestrator) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	if o.cache == nil {
		return o.embedder.GenerateEmbedding(ctx, queryText)
	}

	key := utils.HashString(queryText)

	vector, ok, err := o.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
	}
	if ok {
		metrics.CacheHits.WithLabelValues("embedding").Inc()
		return vector, nil
	}
	metrics.CacheMisses.WithLabelValues("embedding").Inc()

	vector, err = o.embedder.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}

	if err := o.cache.SetEmbedding(ctx, key, vector); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}

	return vector, nil
}
