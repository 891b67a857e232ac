package sqlite

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.InitSchema())
	return c
}

func TestCreateConversation(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("alice")
	require.NoError(t, err)
	require.NotZero(t, conv.ID)
	require.Equal(t, "alice", conv.UserID)
	require.False(t, conv.UpdatedAt.Before(conv.CreatedAt))

	anon, err := c.CreateConversation("")
	require.NoError(t, err)
	require.NotEqual(t, conv.ID, anon.ID)
	require.Empty(t, anon.UserID)
}

func TestAppendMessageOrdering(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	contents := []string{"first question", "first answer", "second question"}
	roles := []string{models.RoleUser, models.RoleAssistant, models.RoleUser}

	for i := range contents {
		_, err := c.AppendMessage(conv.ID, roles[i], contents[i])
		require.NoError(t, err)
	}

	got, err := c.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 3)

	for i, msg := range got.Messages {
		require.Equal(t, roles[i], msg.Role)
		require.Equal(t, contents[i], msg.Content)
		if i > 0 {
			require.False(t, msg.CreatedAt.Before(got.Messages[i-1].CreatedAt))
		}
	}

	require.False(t, got.UpdatedAt.Before(got.CreatedAt))
	require.False(t, got.UpdatedAt.Before(got.Messages[2].CreatedAt))
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	c := newTestClient(t)

	_, err := c.AppendMessage(999, models.RoleUser, "hello")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestAppendMessageValidation(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	_, err = c.AppendMessage(conv.ID, models.RoleUser, "")
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = c.AppendMessage(conv.ID, "system", "hello")
	require.ErrorIs(t, err, errs.ErrInvalidArgument)

	got, err := c.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Empty(t, got.Messages)
}

func TestAttachSourceAndGetConversation(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	_, err = c.AppendMessage(conv.ID, models.RoleUser, "What is the refund policy?")
	require.NoError(t, err)

	assistant, err := c.AppendMessage(conv.ID, models.RoleAssistant, "Refunds are processed within 5 days.")
	require.NoError(t, err)

	passages := []string{"refund policy text", "processing times", "exceptions"}
	for _, p := range passages {
		_, err := c.AttachSource(assistant.ID, p, map[string]string{"source": "handbook", "url": "https://example.com/" + p})
		require.NoError(t, err)
	}

	got, err := c.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)

	require.Empty(t, got.Messages[0].Sources)
	require.Len(t, got.Messages[1].Sources, 3)
	for i, src := range got.Messages[1].Sources {
		require.Equal(t, passages[i], src.Text)
		require.Equal(t, "handbook", src.Metadata["source"])
	}
}

func TestAttachSourceUnknownMessage(t *testing.T) {
	c := newTestClient(t)

	_, err := c.AttachSource(999, "text", nil)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetConversationNotFound(t *testing.T) {
	c := newTestClient(t)

	_, err := c.GetConversation(999)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestGetConversationIdempotent(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		msg, err := c.AppendMessage(conv.ID, role, "turn content")
		require.NoError(t, err)
		if role == models.RoleAssistant {
			_, err = c.AttachSource(msg.ID, "passage", map[string]string{"source": "kb"})
			require.NoError(t, err)
		}
	}

	first, err := c.GetConversation(conv.ID)
	require.NoError(t, err)
	second, err := c.GetConversation(conv.ID)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestFeedbackJoinIsCartesian(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	userContents := []string{"question one", "question two"}
	assistantContents := []string{"answer one", "answer two"}
	for i := 0; i < 2; i++ {
		_, err = c.AppendMessage(conv.ID, models.RoleUser, userContents[i])
		require.NoError(t, err)
		_, err = c.AppendMessage(conv.ID, models.RoleAssistant, assistantContents[i])
		require.NoError(t, err)
	}

	_, err = c.AddFeedback(&models.Feedback{
		UserID:         7,
		Username:       "bob",
		FeedbackType:   "positive",
		ConversationID: conv.ID,
		Rating:         8,
		Recommend:      "Yes",
	})
	require.NoError(t, err)

	rows, err := c.ListFeedbackJoined(1000)
	require.NoError(t, err)
	// One feedback row against a 2-turn conversation expands to every
	// (user, assistant) pair.
	require.Len(t, rows, 4)

	for _, row := range rows {
		require.Equal(t, 8, row.Rating)
		require.Equal(t, "Yes", row.Recommend)
		require.Contains(t, userContents, row.Query)
		require.Contains(t, assistantContents, row.Response)
		require.False(t, row.CreatedAt.IsZero())
	}
}

func TestAddFeedbackUnknownConversation(t *testing.T) {
	c := newTestClient(t)

	_, err := c.AddFeedback(&models.Feedback{
		FeedbackType:   "negative",
		ConversationID: 999,
	})
	require.ErrorIs(t, err, errs.ErrNotFound)

	rows, err := c.ListFeedbackJoined(1000)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestListResponses(t *testing.T) {
	c := newTestClient(t)

	conv, err := c.CreateConversation("")
	require.NoError(t, err)

	_, err = c.AppendMessage(conv.ID, models.RoleUser, "the query")
	require.NoError(t, err)
	_, err = c.AppendMessage(conv.ID, models.RoleAssistant, "the response")
	require.NoError(t, err)

	_, err = c.AddFeedback(&models.Feedback{
		UserID:         3,
		Username:       "carol",
		UserFullName:   "Carol C",
		FeedbackType:   "positive",
		ConversationID: conv.ID,
	})
	require.NoError(t, err)

	rows, err := c.ListResponses(1000)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(3), rows[0].UserID)
	require.Equal(t, "carol", rows[0].Username)
	require.Equal(t, "the query", rows[0].Query)
	require.Equal(t, "the response", rows[0].Response)
	require.False(t, rows[0].QueryTime.IsZero())
}
