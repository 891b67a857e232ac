package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rag-chatbot/backend/internal/errs"
)

func (h *Handler) HandleHealth(c *fiber.Ctx) error {
	if !h.ready() {
		return respondError(c, errs.ErrNotInitialized)
	}

	return c.JSON(fiber.Map{
		"status":  "healthy",
		"message": "RAG Chatbot API is running successfully",
	})
}

func (h *Handler) HandleInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"app_title":              h.info.AppTitle,
		"collection":             h.info.CollectionName,
		"vector_endpoint":        h.info.VectorEndpoint,
		"components_initialized": h.ready(),
	})
}

func (h *Handler) HandleRoot(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"message": h.info.AppTitle,
		"version": "1.0.0",
		"endpoints": fiber.Map{
			"health":       "/health",
			"chat":         "/chat",
			"chat_stream":  "/chat/stream",
			"feedback":     "/chat/feedback",
			"search":       "/search",
			"conversation": "/conversation/{id}",
			"info":         "/info",
			"metrics":      "/metrics",
		},
	})
}
