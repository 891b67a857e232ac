package handlers

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/chat"
	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/llm"
	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/internal/storage/models"
	"github.com/rag-chatbot/backend/pkg/logger"
)

const (
	defaultContextWindow = 5
)

type ChatRequest struct {
	Message        string     `json:"message"`
	ChatHistory    []llm.Turn `json:"chat_history"`
	ContextWindow  int        `json:"context_window"`
	MaxHistory     int        `json:"max_history"`
	IncludeSources bool       `json:"include_sources"`
	ConversationID *int64     `json:"conversation_id"`
}

type ChatResponse struct {
	Response       string               `json:"response"`
	Sources        []retrieval.Document `json:"sources"`
	ChatHistory    []llm.Turn           `json:"chat_history"`
	ConversationID int64                `json:"conversation_id"`
}

// HandleChat is the non-streaming chat turn: persist the user message,
// retrieve supporting documents, generate, persist the assistant turn, and
// return everything at once.
func (h *Handler) HandleChat(c *fiber.Ctx) error {
	start := time.Now()

	req, err := parseChatRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	conversationID, docs, err := h.beginTurn(c.Context(), req)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("blocking", "error").Inc()
		return respondError(c, err)
	}

	history := truncatedHistory(req)

	fullText, err := h.coordinator.Generate(c.Context(), conversationID, req.Message, docs, history, req.MaxHistory)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("blocking", "error").Inc()
		return respondError(c, err)
	}

	metrics.ChatTotal.WithLabelValues("blocking", "ok").Inc()
	metrics.ChatDuration.WithLabelValues("blocking").Observe(time.Since(start).Seconds())

	resp := ChatResponse{
		Response:       fullText,
		Sources:        []retrieval.Document{},
		ChatHistory:    updatedHistory(history, req.Message, fullText),
		ConversationID: conversationID,
	}
	if req.IncludeSources {
		resp.Sources = docs
	}

	return c.JSON(resp)
}

// HandleChatStream streams response fragments as a plain-text body. The
// conversation id travels in a response header, set before the first byte
// is flushed. If the client goes away mid-stream, the body writer keeps
// draining so the server-side generation and persistence still complete.
func (h *Handler) HandleChatStream(c *fiber.Ctx) error {
	start := time.Now()

	req, err := parseChatRequest(c)
	if err != nil {
		return respondError(c, err)
	}

	conversationID, docs, err := h.beginTurn(c.Context(), req)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("streaming", "error").Inc()
		return respondError(c, err)
	}

	history := truncatedHistory(req)

	stream, err := h.coordinator.GenerateStream(c.Context(), conversationID, req.Message, docs, history, req.MaxHistory)
	if err != nil {
		metrics.ChatTotal.WithLabelValues("streaming", "error").Inc()
		return respondError(c, err)
	}

	c.Set("conversation_id", strconv.FormatInt(conversationID, 10))
	c.Set(fiber.HeaderContentType, "text/plain; charset=utf-8")

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		clientGone := false

		for frag := range stream.Fragments {
			if clientGone {
				continue
			}
			if _, err := w.WriteString(frag); err != nil {
				clientGone = true
				continue
			}
			if err := w.Flush(); err != nil {
				clientGone = true
			}
		}

		result := <-stream.Done
		if result.Err != nil {
			metrics.ChatTotal.WithLabelValues("streaming", "error").Inc()
			logger.Error("Streamed turn failed",
				zap.String("stream_id", stream.ID),
				zap.Int64("conversation_id", conversationID),
				zap.Error(result.Err),
			)
			return
		}

		metrics.ChatTotal.WithLabelValues("streaming", "ok").Inc()
		metrics.ChatDuration.WithLabelValues("streaming").Observe(time.Since(start).Seconds())

		if clientGone {
			logger.Warn("Client disconnected mid-stream; turn persisted anyway",
				zap.String("stream_id", stream.ID),
				zap.Int64("conversation_id", conversationID),
			)
		}
	}))

	return nil
}

// beginTurn resolves the conversation (creating one lazily when the caller
// supplies no identifier), persists the user message, and retrieves the
// supporting documents. The user message is always committed before
// retrieval begins.
func (h *Handler) beginTurn(ctx context.Context, req *ChatRequest) (int64, []retrieval.Document, error) {
	var conversationID int64

	if req.ConversationID != nil {
		conversationID = *req.ConversationID
	} else {
		conv, err := h.store.CreateConversation("")
		if err != nil {
			return 0, nil, err
		}
		conversationID = conv.ID
	}

	if _, err := h.store.AppendMessage(conversationID, models.RoleUser, req.Message); err != nil {
		return 0, nil, err
	}

	docs, err := h.retriever.Retrieve(ctx, req.Message, req.ContextWindow)
	if err != nil {
		return 0, nil, err
	}

	return conversationID, docs, nil
}

func parseChatRequest(c *fiber.Ctx) (*ChatRequest, error) {
	var req ChatRequest
	if err := c.BodyParser(&req); err != nil {
		return nil, fmt.Errorf("%w: invalid request body: %v", errs.ErrInvalidArgument, err)
	}
	if req.Message == "" {
		return nil, fmt.Errorf("%w: message is required", errs.ErrInvalidArgument)
	}
	if req.ContextWindow <= 0 {
		req.ContextWindow = defaultContextWindow
	}
	if req.MaxHistory <= 0 {
		req.MaxHistory = chat.DefaultMaxHistory
	}
	return &req, nil
}

func truncatedHistory(req *ChatRequest) []llm.Turn {
	maxHistory := req.MaxHistory
	if maxHistory <= 0 {
		maxHistory = chat.DefaultMaxHistory
	}

	history := req.ChatHistory
	if len(history) > maxHistory {
		history = history[len(history)-maxHistory:]
	}
	return history
}

func updatedHistory(history []llm.Turn, query, response string) []llm.Turn {
	updated := make([]llm.Turn, 0, len(history)+2)
	updated = append(updated, history...)
	updated = append(updated,
		llm.Turn{Role: models.RoleUser, Content: query},
		llm.Turn{Role: models.RoleAssistant, Content: response},
	)
	return updated
}
