package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/storage/models"
	"github.com/rag-chatbot/backend/pkg/logger"
)

type FeedbackRequest struct {
	UserID                 int64  `json:"user_id"`
	Username               string `json:"username"`
	UserFullName           string `json:"user_full_name"`
	FeedbackType           string `json:"feedback_type"`
	ConversationID         int64  `json:"conversation_id"`
	TimeSaved              string `json:"time_saved"`
	Rating                 int    `json:"rating"`
	Recommend              string `json:"recommend"`
	LikedAspects           string `json:"liked_aspects"`
	OtherLiked             string `json:"other_liked"`
	ImprovementSuggestions string `json:"improvement_suggestions"`
	Issues                 string `json:"issues"`
	OtherFeedback          string `json:"other_feedback"`
}

func (h *Handler) HandleSaveFeedback(c *fiber.Ctx) error {
	var req FeedbackRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse feedback body", zap.Error(err))
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"detail": "Invalid request body",
		})
	}

	fb := &models.Feedback{
		UserID:                 req.UserID,
		Username:               req.Username,
		UserFullName:           req.UserFullName,
		FeedbackType:           req.FeedbackType,
		ConversationID:         req.ConversationID,
		TimeSaved:              req.TimeSaved,
		Rating:                 req.Rating,
		Recommend:              req.Recommend,
		LikedAspects:           req.LikedAspects,
		OtherLiked:             req.OtherLiked,
		ImprovementSuggestions: req.ImprovementSuggestions,
		Issues:                 req.Issues,
		OtherFeedback:          req.OtherFeedback,
	}

	if _, err := h.feedback.Submit(fb); err != nil {
		logger.Error("Failed to save feedback", zap.Error(err))
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"message": "Feedback saved successfully",
	})
}

func (h *Handler) HandleListFeedback(c *fiber.Ctx) error {
	rows, err := h.feedback.ListJoined()
	if err != nil {
		logger.Error("Failed to list feedback", zap.Error(err))
		return respondError(c, err)
	}

	if len(rows) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"detail": "No feedback found",
		})
	}

	return c.JSON(rows)
}

func (h *Handler) HandleListResponses(c *fiber.Ctx) error {
	rows, err := h.feedback.ListResponses()
	if err != nil {
		logger.Error("Failed to list responses", zap.Error(err))
		return respondError(c, err)
	}

	if len(rows) == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"detail": "No response found",
		})
	}

	return c.JSON(rows)
}
