package handlers

import (
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/rag-chatbot/backend/internal/errs"
)

// HandleGetConversation returns the full transcript with per-assistant-
// message sources.
func (h *Handler) HandleGetConversation(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return respondError(c, fmt.Errorf("%w: conversation id must be an integer", errs.ErrInvalidArgument))
	}

	conv, err := h.store.GetConversation(id)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(conv)
}
