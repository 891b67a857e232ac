// Package chat drives the generation service for one turn and hands the
// final text to the store. Streaming is a two-phase protocol: a producer
// that emits fragments on a channel, and a completion result that fires
// exactly once after the sequence is exhausted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/llm"
	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/internal/storage/models"
	"github.com/rag-chatbot/backend/pkg/logger"
)

// DefaultMaxHistory is the history truncation applied when the caller does
// not specify max_history.
const DefaultMaxHistory = 10

type Generator interface {
	GenerateResponse(ctx context.Context, query string, docs []retrieval.Document, history []llm.Turn) (string, error)
	StreamResponse(ctx context.Context, query string, docs []retrieval.Document, history []llm.Turn) (llm.TokenStream, error)
}

type Store interface {
	AppendMessage(conversationID int64, role, content string) (*models.Message, error)
	AttachSource(messageID int64, text string, metadata map[string]string) (*models.Source, error)
}

type Coordinator struct {
	gen   Generator
	store Store
}

func NewCoordinator(gen Generator, store Store) *Coordinator {
	return &Coordinator{
		gen:   gen,
		store: store,
	}
}

// Generate produces the full answer in one blocking call, then persists the
// assistant message and its sources in retrieval order.
func (c *Coordinator) Generate(ctx context.Context, conversationID int64, query string, docs []retrieval.Document, history []llm.Turn, maxHistory int) (string, error) {
	history = truncateHistory(history, maxHistory)

	fullText, err := c.gen.GenerateResponse(ctx, query, docs, history)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrGenerationFailed, err)
	}

	if _, err := c.persistAssistantTurn(conversationID, fullText, docs); err != nil {
		return "", err
	}

	return fullText, nil
}

// Result is the once-only completion of a streamed turn. FullText is the
// concatenation of every fragment in arrival order.
type Result struct {
	FullText string
	Message  *models.Message
	Err      error
}

// Stream is the consumer side of a streamed turn. Fragments closes when the
// generation service signals completion; Done then fires exactly once. The
// consumer must drain Fragments even if it stops forwarding them, so the
// producer is never blocked by a gone client.
type Stream struct {
	ID        string
	Fragments <-chan string
	Done      <-chan Result
}

// GenerateStream opens the token stream and runs it to completion in the
// background. The returned stream is detached from ctx cancellation: a
// client disconnect neither cancels the generation nor the persistence that
// follows it. Persistence happens only after the sequence is exhausted, so
// the durable record holds a complete assistant turn or none at all.
func (c *Coordinator) GenerateStream(ctx context.Context, conversationID int64, query string, docs []retrieval.Document, history []llm.Turn, maxHistory int) (*Stream, error) {
	history = truncateHistory(history, maxHistory)
	ctx = context.WithoutCancel(ctx)

	ts, err := c.gen.StreamResponse(ctx, query, docs, history)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrGenerationFailed, err)
	}

	streamID := uuid.New().String()
	fragments := make(chan string, 32)
	done := make(chan Result, 1)

	go c.consume(ts, streamID, conversationID, docs, fragments, done)

	return &Stream{
		ID:        streamID,
		Fragments: fragments,
		Done:      done,
	}, nil
}

func (c *Coordinator) consume(ts llm.TokenStream, streamID string, conversationID int64, docs []retrieval.Document, fragments chan<- string, done chan<- Result) {
	defer ts.Close()

	var builder strings.Builder
	var streamErr error
	count := 0

	for {
		frag, err := ts.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		builder.WriteString(frag)
		count++
		fragments <- frag
	}

	close(fragments)
	metrics.StreamFragments.Observe(float64(count))

	if streamErr != nil {
		logger.Error("Token stream aborted",
			zap.String("stream_id", streamID),
			zap.Int64("conversation_id", conversationID),
			zap.Int("fragments", count),
			zap.Error(streamErr),
		)
		done <- Result{Err: fmt.Errorf("%w: %w", errs.ErrGenerationFailed, streamErr)}
		return
	}

	fullText := builder.String()
	msg, err := c.persistAssistantTurn(conversationID, fullText, docs)

	logger.Info("Token stream completed",
		zap.String("stream_id", streamID),
		zap.Int64("conversation_id", conversationID),
		zap.Int("fragments", count),
		zap.Int("response_length", len(fullText)),
	)

	done <- Result{FullText: fullText, Message: msg, Err: err}
}

// persistAssistantTurn commits the assistant message, then attaches each
// context document as a source in retrieval order. Attach failures after
// the message commit are accepted as partial state, not rolled back. An
// empty completion persists nothing: the store rejects empty content, and
// a turn the generation service finished cleanly must not surface as a
// persistence error.
func (c *Coordinator) persistAssistantTurn(conversationID int64, fullText string, docs []retrieval.Document) (*models.Message, error) {
	if fullText == "" {
		logger.Warn("Empty completion; skipping persistence",
			zap.Int64("conversation_id", conversationID),
		)
		return nil, nil
	}

	msg, err := c.store.AppendMessage(conversationID, models.RoleAssistant, fullText)
	if err != nil {
		return nil, fmt.Errorf("persisting assistant message: %w", err)
	}

	for _, doc := range docs {
		if _, err := c.store.AttachSource(msg.ID, doc.Text, doc.Metadata); err != nil {
			logger.Warn("Failed to attach source",
				zap.Int64("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return msg, nil
}

func truncateHistory(history []llm.Turn, maxHistory int) []llm.Turn {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if len(history) > maxHistory {
		return history[len(history)-maxHistory:]
	}
	return history
}
