package models

import "time"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Conversation struct {
	ID        int64     `json:"conversation_id"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages,omitempty"`
}

type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"-"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Seq            int       `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
	Sources        []Source  `json:"sources,omitempty"`
}

type Source struct {
	ID        int64             `json:"-"`
	MessageID int64             `json:"-"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata"`
}

type Feedback struct {
	ID                     int64     `json:"-"`
	UserID                 int64     `json:"user_id"`
	Username               string    `json:"username"`
	UserFullName           string    `json:"user_full_name"`
	FeedbackType           string    `json:"feedback_type"`
	ConversationID         int64     `json:"conversation_id"`
	TimeSaved              string    `json:"time_saved"`
	Rating                 int       `json:"rating"`
	Recommend              string    `json:"recommend"`
	LikedAspects           string    `json:"liked_aspects"`
	OtherLiked             string    `json:"other_liked"`
	ImprovementSuggestions string    `json:"improvement_suggestions"`
	Issues                 string    `json:"issues"`
	OtherFeedback          string    `json:"other_feedback"`
	CreatedAt              time.Time `json:"timestamp"`
}

// JoinedFeedback is a feedback row enriched with one (user, assistant)
// content pair from its conversation. A multi-turn conversation produces
// one row per pair.
type JoinedFeedback struct {
	Feedback
	Query    string `json:"query"`
	Response string `json:"response"`
}

// ResponseRow is the reduced projection served by the response listing.
type ResponseRow struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username"`
	UserFullName string    `json:"user_full_name"`
	Query        string    `json:"query"`
	Response     string    `json:"response"`
	QueryTime    time.Time `json:"query_time"`
}
