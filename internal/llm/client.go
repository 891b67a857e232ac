package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/pkg/circuitbreaker"
	"github.com/rag-chatbot/backend/pkg/logger"
	"github.com/rag-chatbot/backend/pkg/retry"
)

// Turn is one prior exchange entry handed to the generation service.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.New("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

// GenerateEmbedding embeds a single text. The vector dimension is whatever
// the embedding model produces.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return embedding, nil
}

// GenerateResponse produces the full answer in one blocking call.
func (c *Client) GenerateResponse(ctx context.Context, query string, docs []retrieval.Document, history []Turn) (string, error) {
	messages := c.buildMessages(query, docs, history)

	var result string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: c.temperature,
					MaxTokens:   c.maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(resp.Usage.CompletionTokens))

			result = resp.Choices[0].Message.Content
			return nil
		})
	})

	if err != nil {
		return "", err
	}

	logger.Debug("Response generated",
		zap.Int("response_length", len(result)),
		zap.Int("context_docs", len(docs)),
	)

	return result, nil
}

// TokenStream yields response fragments in arrival order. Recv returns
// io.EOF when the generation service signals completion.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

// StreamResponse opens a token stream for the same prompt shape as
// GenerateResponse. Only opening the stream is retried; once fragments are
// flowing the sequence is not restartable.
func (c *Client) StreamResponse(ctx context.Context, query string, docs []retrieval.Document, history []Turn) (TokenStream, error) {
	messages := c.buildMessages(query, docs, history)

	var stream *openai.ChatCompletionStream

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			s, err := c.client.CreateChatCompletionStream(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: c.temperature,
					MaxTokens:   c.maxTokens,
					Stream:      true,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to open completion stream: %w", err)
			}

			stream = s
			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return &ResponseStream{stream: stream}, nil
}

func (c *Client) buildMessages(query string, docs []retrieval.Document, history []Turn) []openai.ChatCompletionMessage {
	systemPrompt := `You are a helpful assistant answering questions using the provided reference passages.

Your responses must:
1. Be grounded ONLY in the provided passages and conversation history
2. Say clearly when the passages do not cover the question
3. Be concise and directly address the user's question

Do not fabricate sources.`

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		},
	}

	for _, turn := range history {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}

	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf("Reference passages:\n%s\nQuestion: %s", formatContext(docs), query),
	})

	return messages
}

func formatContext(docs []retrieval.Document) string {
	if len(docs) == 0 {
		return "No reference passages available.\n"
	}

	var builder strings.Builder
	for i, doc := range docs {
		name := doc.Metadata["source"]
		if name == "" {
			name = fmt.Sprintf("passage %d", i+1)
		}
		builder.WriteString(fmt.Sprintf("\n[%d] %s\n%s\n", i+1, name, doc.Text))
	}
	return builder.String()
}

// ResponseStream adapts the OpenAI delta stream to plain text fragments.
type ResponseStream struct {
	stream *openai.ChatCompletionStream
}

func (s *ResponseStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		return delta, nil
	}
}

func (s *ResponseStream) Close() error {
	s.stream.Close()
	return nil
}
