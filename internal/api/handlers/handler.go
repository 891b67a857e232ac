// Package handlers is the stateless request façade over the store, the
// retrieval orchestrator, the generation coordinator, and the feedback
// correlator. All components are injected; handlers hold no other state.
package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/rag-chatbot/backend/internal/chat"
	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/llm"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/internal/storage/models"
)

type Store interface {
	CreateConversation(userID string) (*models.Conversation, error)
	AppendMessage(conversationID int64, role, content string) (*models.Message, error)
	GetConversation(conversationID int64) (*models.Conversation, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, queryText string, k int) ([]retrieval.Document, error)
}

type Coordinator interface {
	Generate(ctx context.Context, conversationID int64, query string, docs []retrieval.Document, history []llm.Turn, maxHistory int) (string, error)
	GenerateStream(ctx context.Context, conversationID int64, query string, docs []retrieval.Document, history []llm.Turn, maxHistory int) (*chat.Stream, error)
}

type FeedbackService interface {
	Submit(fb *models.Feedback) (*models.Feedback, error)
	ListJoined() ([]models.JoinedFeedback, error)
	ListResponses() ([]models.ResponseRow, error)
}

// Info is the static configuration echoed by GET /info.
type Info struct {
	AppTitle       string
	CollectionName string
	VectorEndpoint string
}

type Handler struct {
	store       Store
	retriever   Retriever
	coordinator Coordinator
	feedback    FeedbackService
	info        Info
}

func New(store Store, retriever Retriever, coordinator Coordinator, feedback FeedbackService, info Info) *Handler {
	return &Handler{
		store:       store,
		retriever:   retriever,
		coordinator: coordinator,
		feedback:    feedback,
		info:        info,
	}
}

func (h *Handler) ready() bool {
	return h.store != nil && h.retriever != nil && h.coordinator != nil && h.feedback != nil
}

// respondError maps the error taxonomy to the HTTP surface: NotFound to
// 404, InvalidArgument to 422, NotInitialized to 503, everything else to
// 500. The body is always {"detail": message}.
func respondError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, errs.ErrInvalidArgument):
		status = fiber.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrNotInitialized):
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"detail": err.Error(),
	})
}
