package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/rag-chatbot/backend/internal/chat"
	"github.com/rag-chatbot/backend/internal/feedback"
	"github.com/rag-chatbot/backend/internal/llm"
	"github.com/rag-chatbot/backend/internal/retrieval"
	"github.com/rag-chatbot/backend/internal/storage/models"
	"github.com/rag-chatbot/backend/internal/storage/sqlite"
)

type fakeRetriever struct {
	docs []retrieval.Document
	err  error
	gotK int
}

func (f *fakeRetriever) Retrieve(ctx context.Context, queryText string, k int) ([]retrieval.Document, error) {
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type fakeTokenStream struct {
	fragments []string
	pos       int
}

func (f *fakeTokenStream) Recv() (string, error) {
	if f.pos < len(f.fragments) {
		frag := f.fragments[f.pos]
		f.pos++
		return frag, nil
	}
	return "", io.EOF
}

func (f *fakeTokenStream) Close() error { return nil }

type fakeGenerator struct {
	fragments []string
	err       error
}

func (f *fakeGenerator) GenerateResponse(ctx context.Context, query string, docs []retrieval.Document, history []llm.Turn) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return strings.Join(f.fragments, ""), nil
}

func (f *fakeGenerator) StreamResponse(ctx context.Context, query string, docs []retrieval.Document, history []llm.Turn) (llm.TokenStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeTokenStream{fragments: f.fragments}, nil
}

var testDocs = []retrieval.Document{
	{Text: "refund policy text", Score: 0.92, Metadata: map[string]string{"source": "handbook", "url": "https://example.com/refunds"}},
	{Text: "processing times", Score: 0.81, Metadata: map[string]string{"source": "handbook"}},
	{Text: "exceptions", Score: 0.63, Metadata: map[string]string{"source": "faq"}},
}

type testEnv struct {
	app       *fiber.App
	store     *sqlite.Client
	retriever *fakeRetriever
	generator *fakeGenerator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	retriever := &fakeRetriever{docs: testDocs}
	generator := &fakeGenerator{fragments: []string{"Refunds are ", "processed within ", "5 days."}}
	coordinator := chat.NewCoordinator(generator, store)
	correlator := feedback.NewCorrelator(store)

	handler := New(store, retriever, coordinator, correlator, Info{
		AppTitle:       "RAG Chatbot API",
		CollectionName: "documents",
		VectorEndpoint: "localhost:19530",
	})

	app := fiber.New()
	app.Get("/", handler.HandleRoot)
	app.Get("/health", handler.HandleHealth)
	app.Get("/info", handler.HandleInfo)
	app.Post("/chat", handler.HandleChat)
	app.Post("/chat/stream", handler.HandleChatStream)
	app.Post("/chat/feedback", handler.HandleSaveFeedback)
	app.Get("/chat/feedback/list", handler.HandleListFeedback)
	app.Get("/chat/reponse/list", handler.HandleListResponses)
	app.Post("/search", handler.HandleSearch)
	app.Get("/conversation/:id", handler.HandleGetConversation)

	return &testEnv{app: app, store: store, retriever: retriever, generator: generator}
}

func jsonRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestHandleChatFullTurn(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message":         "What is the refund policy?",
		"include_sources": true,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeBody(t, resp, &body)
	require.Equal(t, "Refunds are processed within 5 days.", body.Response)
	require.Len(t, body.Sources, 3)
	require.Equal(t, "refund policy text", body.Sources[0].Text)
	require.NotZero(t, body.ConversationID)

	require.Len(t, body.ChatHistory, 2)
	require.Equal(t, models.RoleUser, body.ChatHistory[0].Role)
	require.Equal(t, "What is the refund policy?", body.ChatHistory[0].Content)
	require.Equal(t, models.RoleAssistant, body.ChatHistory[1].Role)

	require.Equal(t, defaultContextWindow, env.retriever.gotK)

	conv, err := env.store.GetConversation(body.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, models.RoleUser, conv.Messages[0].Role)
	require.Equal(t, models.RoleAssistant, conv.Messages[1].Role)
	require.Len(t, conv.Messages[1].Sources, 3)
	require.Equal(t, "refund policy text", conv.Messages[1].Sources[0].Text)
}

func TestHandleChatOmitsSourcesByDefault(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message": "What is the refund policy?",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeBody(t, resp, &body)
	require.Empty(t, body.Sources)
}

func TestHandleChatContinuesConversation(t *testing.T) {
	env := newTestEnv(t)

	conv, err := env.store.CreateConversation("")
	require.NoError(t, err)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message":         "follow-up question",
		"conversation_id": conv.ID,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body ChatResponse
	decodeBody(t, resp, &body)
	require.Equal(t, conv.ID, body.ConversationID)
}

func TestHandleChatValidation(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Contains(t, body["detail"], "message is required")
}

func TestHandleChatUnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message":         "hello",
		"conversation_id": 999,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestHandleChatRetrievalFailure(t *testing.T) {
	env := newTestEnv(t)
	env.retriever.err = errors.New("index unreachable")

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message": "hello",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)
}

func TestHandleChatStream(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat/stream", fiber.Map{
		"message": "What is the refund policy?",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	convID := resp.Header.Get("conversation_id")
	require.NotEmpty(t, convID)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "Refunds are processed within 5 days.", string(body))

	// Persistence completes before the body writer returns.
	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/conversation/"+convID, nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var conv models.Conversation
	decodeBody(t, resp, &conv)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, "Refunds are processed within 5 days.", conv.Messages[1].Content)
	require.Len(t, conv.Messages[1].Sources, 3)
}

func TestTruncatedHistoryDefaultsMaxHistory(t *testing.T) {
	short := []llm.Turn{
		{Role: models.RoleUser, Content: "first question"},
		{Role: models.RoleAssistant, Content: "first answer"},
		{Role: models.RoleUser, Content: "second question"},
	}

	// An omitted max_history keeps the default window, not an empty one.
	got := truncatedHistory(&ChatRequest{ChatHistory: short})
	require.Equal(t, short, got)

	var long []llm.Turn
	for i := 0; i < 15; i++ {
		long = append(long, llm.Turn{Role: models.RoleUser, Content: fmt.Sprintf("turn %d", i)})
	}

	got = truncatedHistory(&ChatRequest{ChatHistory: long})
	require.Len(t, got, chat.DefaultMaxHistory)
	require.Equal(t, "turn 5", got[0].Content)

	got = truncatedHistory(&ChatRequest{ChatHistory: long, MaxHistory: 4})
	require.Len(t, got, 4)
	require.Equal(t, "turn 11", got[0].Content)
}

func TestHandleGetConversationNotFound(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/conversation/999", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Contains(t, body["detail"], "conversation 999")
}

func TestHandleGetConversationBadID(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/conversation/abc", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleSearch(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodPost, "/search?query=refunds&k=2", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, 2, env.retriever.gotK)

	var body struct {
		Query   string               `json:"query"`
		Sources []retrieval.Document `json:"sources"`
	}
	decodeBody(t, resp, &body)
	require.Equal(t, "refunds", body.Query)
	require.Len(t, body.Sources, 3)
}

func TestHandleSearchMissingQuery(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodPost, "/search", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestFeedbackEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	// No rows yet.
	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/chat/feedback/list", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	// One chat turn gives the join a (user, assistant) pair.
	resp, err = env.app.Test(jsonRequest(fiber.MethodPost, "/chat", fiber.Map{
		"message": "What is the refund policy?",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var chatBody ChatResponse
	decodeBody(t, resp, &chatBody)

	resp, err = env.app.Test(jsonRequest(fiber.MethodPost, "/chat/feedback", fiber.Map{
		"user_id":         12,
		"username":        "dana",
		"feedback_type":   "positive",
		"conversation_id": chatBody.ConversationID,
		"rating":          8,
		"recommend":       "Yes",
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var saved map[string]string
	decodeBody(t, resp, &saved)
	require.Equal(t, "Feedback saved successfully", saved["message"])

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/chat/feedback/list", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var rows []models.JoinedFeedback
	decodeBody(t, resp, &rows)
	require.Len(t, rows, 1)
	require.Equal(t, 8, rows[0].Rating)
	require.Equal(t, "What is the refund policy?", rows[0].Query)
	require.Equal(t, "Refunds are processed within 5 days.", rows[0].Response)

	resp, err = env.app.Test(httptest.NewRequest(fiber.MethodGet, "/chat/reponse/list", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var responses []models.ResponseRow
	decodeBody(t, resp, &responses)
	require.Len(t, responses, 1)
	require.Equal(t, "dana", responses[0].Username)
}

func TestFeedbackRatingOutOfRange(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(jsonRequest(fiber.MethodPost, "/chat/feedback", fiber.Map{
		"feedback_type":   "positive",
		"conversation_id": 1,
		"rating":          11,
	}), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnprocessableEntity, resp.StatusCode)
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "healthy", body["status"])
}

func TestHandleHealthNotReady(t *testing.T) {
	handler := New(nil, nil, nil, nil, Info{})
	app := fiber.New()
	app.Get("/health", handler.HandleHealth)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleInfo(t *testing.T) {
	env := newTestEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(fiber.MethodGet, "/info", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body map[string]any
	decodeBody(t, resp, &body)
	require.Equal(t, "RAG Chatbot API", body["app_title"])
	require.Equal(t, "documents", body["collection"])
	require.Equal(t, true, body["components_initialized"])
}
