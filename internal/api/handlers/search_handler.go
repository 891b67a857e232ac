package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/rag-chatbot/backend/internal/errs"
)

// HandleSearch is retrieval only: no generation, no persistence.
func (h *Handler) HandleSearch(c *fiber.Ctx) error {
	query := c.Query("query")
	if query == "" {
		return respondError(c, fmt.Errorf("%w: query is required", errs.ErrInvalidArgument))
	}

	k := c.QueryInt("k", 5)

	docs, err := h.retriever.Retrieve(c.Context(), query, k)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"query":   query,
		"sources": docs,
	})
}
