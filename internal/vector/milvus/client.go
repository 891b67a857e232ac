// Package milvus is the semantic index client. The index is populated out
// of band; this process only searches it.
package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
}

func NewClient(ctx context.Context, endpoint, collectionName string) (*Client, error) {
	c, err := client.NewGrpcClient(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	has, err := c.HasCollection(ctx, collectionName)
	if err != nil {
		return nil, fmt.Errorf("failed to check collection: %w", err)
	}
	if !has {
		logger.Warn("Vector collection does not exist yet; searches will fail until it is populated",
			zap.String("collection", collectionName),
		)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Search runs a vector similarity query and returns passages in index
// order. The result carries the stored passage text plus its source name
// and URL as metadata.
func (c *Client) Search(ctx context.Context, queryText string, vector []float32, k int) ([]retrieval.Document, error) {
	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := c.client.Search(
		ctx,
		c.collectionName,
		[]string{},
		"",
		[]string{"text", "source", "url"},
		[]entity.Vector{entity.FloatVector(vector)},
		"embedding",
		entity.IP,
		k,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search collection: %w", err)
	}

	docs := make([]retrieval.Document, 0, k)
	for _, sr := range searchResult {
		textCol := sr.Fields.GetColumn("text")
		sourceCol := sr.Fields.GetColumn("source")
		urlCol := sr.Fields.GetColumn("url")

		for i := 0; i < sr.ResultCount; i++ {
			text, _ := textCol.Get(i)
			source, _ := sourceCol.Get(i)
			url, _ := urlCol.Get(i)

			docs = append(docs, retrieval.Document{
				Text:  text.(string),
				Score: sr.Scores[i],
				Metadata: map[string]string{
					"source": source.(string),
					"url":    url.(string),
				},
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.String("query", queryText),
		zap.Int("k", k),
		zap.Int("results", len(docs)),
	)

	return docs, nil
}
