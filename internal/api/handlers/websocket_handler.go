package handlers

import (
	"context"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/chat"
	"github.com/rag-chatbot/backend/pkg/logger"
)

// WebSocketHandler is an alternative streaming transport over the same
// coordinator protocol. Frames: {type:"chunk"} per fragment, then one
// {type:"complete"} carrying the conversation id and sources.
type WebSocketHandler struct {
	h *Handler
}

func NewWebSocketHandler(h *Handler) *WebSocketHandler {
	return &WebSocketHandler{h: h}
}

type wsChatMessage struct {
	Type string `json:"type"`
	ChatRequest
}

func (ws *WebSocketHandler) HandleConnection(c *websocket.Conn) {
	logger.Info("WebSocket connection established")

	defer func() {
		c.Close()
		logger.Info("WebSocket connection closed")
	}()

	for {
		var msg wsChatMessage

		if err := c.ReadJSON(&msg); err != nil {
			logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		if msg.Type != "chat" {
			continue
		}

		if err := ws.streamTurn(c, &msg.ChatRequest); err != nil {
			logger.Error("Failed to stream chat turn", zap.Error(err))
			ws.sendError(c, err.Error())
		}
	}
}

func (ws *WebSocketHandler) streamTurn(c *websocket.Conn, req *ChatRequest) error {
	// The connection context would die with the socket; generation and
	// persistence must outlive a disconnect.
	ctx := context.Background()

	if req.Message == "" {
		ws.sendError(c, "message is required")
		return nil
	}
	if req.ContextWindow <= 0 {
		req.ContextWindow = defaultContextWindow
	}
	if req.MaxHistory <= 0 {
		req.MaxHistory = chat.DefaultMaxHistory
	}

	conversationID, docs, err := ws.h.beginTurn(ctx, req)
	if err != nil {
		return err
	}

	history := truncatedHistory(req)

	stream, err := ws.h.coordinator.GenerateStream(ctx, conversationID, req.Message, docs, history, req.MaxHistory)
	if err != nil {
		return err
	}

	clientGone := false

	for frag := range stream.Fragments {
		if clientGone {
			continue
		}
		err := c.WriteJSON(map[string]interface{}{
			"type":    "chunk",
			"content": frag,
		})
		if err != nil {
			clientGone = true
		}
	}

	result := <-stream.Done
	if result.Err != nil {
		return result.Err
	}

	if clientGone {
		logger.Warn("WebSocket client gone mid-stream; turn persisted anyway",
			zap.Int64("conversation_id", conversationID),
		)
		return nil
	}

	return c.WriteJSON(map[string]interface{}{
		"type":            "complete",
		"conversation_id": conversationID,
		"sources":         docs,
	})
}

func (ws *WebSocketHandler) sendError(c *websocket.Conn, msg string) {
	c.WriteJSON(map[string]interface{}{
		"type":  "error",
		"error": msg,
	})
}
