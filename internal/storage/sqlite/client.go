// Package sqlite is the durable conversation store. Every write is a single
// transaction; no operation holds a connection across an external service
// call.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/storage/models"
	"github.com/rag-chatbot/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err = db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping() error {
	if err := c.db.Ping(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	return nil
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(conversation_id, role);

	CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		text TEXT NOT NULL,
		metadata TEXT,
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_sources_message ON sources(message_id);

	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		username TEXT,
		user_full_name TEXT,
		feedback_type TEXT NOT NULL,
		conversation_id INTEGER NOT NULL,
		time_saved TEXT,
		rating INTEGER,
		recommend TEXT,
		liked_aspects TEXT,
		other_liked TEXT,
		improvement_suggestions TEXT,
		issues TEXT,
		other_feedback TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_conversation ON feedback(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// CreateConversation assigns an identifier and timestamps. userID may be
// empty for anonymous conversations.
func (c *Client) CreateConversation(userID string) (*models.Conversation, error) {
	now := time.Now().UTC()

	var uid sql.NullString
	if userID != "" {
		uid = sql.NullString{String: userID, Valid: true}
	}

	res, err := c.db.Exec(
		`INSERT INTO conversations (user_id, created_at, updated_at) VALUES (?, ?, ?)`,
		uid, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}

	logger.Info("Conversation created",
		zap.Int64("conversation_id", id),
		zap.String("user_id", userID),
	)

	return &models.Conversation{
		ID:        id,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// AppendMessage inserts a message at the tail of the conversation and bumps
// the conversation's updated_at, all in one transaction. The seq column
// keeps message order stable even when creation timestamps collide.
func (c *Client) AppendMessage(conversationID int64, role, content string) (*models.Message, error) {
	if role != models.RoleUser && role != models.RoleAssistant {
		return nil, fmt.Errorf("%w: role must be user or assistant, got %q", errs.ErrInvalidArgument, role)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: message content must not be empty", errs.ErrInvalidArgument)
	}

	tx, err := c.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %d", errs.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}

	var seq int
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?`,
		conversationID,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("failed to compute message sequence: %w", err)
	}

	now := time.Now().UTC()

	res, err := tx.Exec(
		`INSERT INTO messages (conversation_id, role, content, seq, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, seq, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read message id: %w", err)
	}

	_, err = tx.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Unix(), conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	logger.Debug("Message appended",
		zap.Int64("conversation_id", conversationID),
		zap.Int64("message_id", id),
		zap.String("role", role),
	)

	return &models.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Seq:            seq,
		CreatedAt:      now,
	}, nil
}

// AttachSource records a retrieved passage against a message.
func (c *Client) AttachSource(messageID int64, text string, metadata map[string]string) (*models.Source, error) {
	var exists int
	err := c.db.QueryRow(`SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %d", errs.ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check message: %w", err)
	}

	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal source metadata: %w", err)
	}

	res, err := c.db.Exec(
		`INSERT INTO sources (message_id, text, metadata) VALUES (?, ?, ?)`,
		messageID, text, string(metadataJSON),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert source: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read source id: %w", err)
	}

	return &models.Source{
		ID:        id,
		MessageID: messageID,
		Text:      text,
		Metadata:  metadata,
	}, nil
}

// GetConversation returns the conversation with its messages in append
// order, each assistant message carrying its sources in attach order.
func (c *Client) GetConversation(conversationID int64) (*models.Conversation, error) {
	var conv models.Conversation
	var uid sql.NullString
	var createdAt, updatedAt int64

	err := c.db.QueryRow(
		`SELECT id, user_id, created_at, updated_at FROM conversations WHERE id = ?`,
		conversationID,
	).Scan(&conv.ID, &uid, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %d", errs.ErrNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	conv.UserID = uid.String
	conv.CreatedAt = time.Unix(createdAt, 0).UTC()
	conv.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	rows, err := c.db.Query(
		`SELECT id, role, content, seq, created_at FROM messages WHERE conversation_id = ? ORDER BY seq`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		var msgCreatedAt int64

		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Seq, &msgCreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}

		msg.ConversationID = conversationID
		msg.CreatedAt = time.Unix(msgCreatedAt, 0).UTC()
		conv.Messages = append(conv.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i := range conv.Messages {
		if conv.Messages[i].Role != models.RoleAssistant {
			continue
		}
		sources, err := c.listSources(conv.Messages[i].ID)
		if err != nil {
			return nil, err
		}
		conv.Messages[i].Sources = sources
	}

	return &conv, nil
}

func (c *Client) listSources(messageID int64) ([]models.Source, error) {
	rows, err := c.db.Query(
		`SELECT id, text, metadata FROM sources WHERE message_id = ? ORDER BY id`,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		var src models.Source
		var metadataJSON sql.NullString

		if err := rows.Scan(&src.ID, &src.Text, &metadataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}

		src.MessageID = messageID
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &src.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal source metadata: %w", err)
			}
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sources: %w", err)
	}

	return sources, nil
}

// AddFeedback inserts a feedback row with a server-assigned timestamp. The
// conversation must exist at write time; the reference is not protected
// against later deletion.
func (c *Client) AddFeedback(fb *models.Feedback) (*models.Feedback, error) {
	var exists int
	err := c.db.QueryRow(`SELECT 1 FROM conversations WHERE id = ?`, fb.ConversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %d", errs.ErrNotFound, fb.ConversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check conversation: %w", err)
	}

	now := time.Now().UTC()

	res, err := c.db.Exec(
		`INSERT INTO feedback (user_id, username, user_full_name, feedback_type, conversation_id,
			time_saved, rating, recommend, liked_aspects, other_liked, improvement_suggestions,
			issues, other_feedback, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fb.UserID,
		fb.Username,
		fb.UserFullName,
		fb.FeedbackType,
		fb.ConversationID,
		fb.TimeSaved,
		fb.Rating,
		fb.Recommend,
		fb.LikedAspects,
		fb.OtherLiked,
		fb.ImprovementSuggestions,
		fb.Issues,
		fb.OtherFeedback,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert feedback: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read feedback id: %w", err)
	}

	stored := *fb
	stored.ID = id
	stored.CreatedAt = now

	logger.Info("Feedback stored",
		zap.Int64("conversation_id", fb.ConversationID),
		zap.String("feedback_type", fb.FeedbackType),
		zap.Int("rating", fb.Rating),
	)

	return &stored, nil
}

// ListFeedbackJoined joins every feedback row against every (user,
// assistant) message pair of its conversation. Multi-turn conversations
// therefore produce a cartesian expansion per feedback row.
func (c *Client) ListFeedbackJoined(limit int) ([]models.JoinedFeedback, error) {
	rows, err := c.db.Query(
		`SELECT f.id, f.user_id, f.username, f.user_full_name, f.feedback_type, f.conversation_id,
			f.time_saved, f.rating, f.recommend, f.liked_aspects, f.other_liked,
			f.improvement_suggestions, f.issues, f.other_feedback, f.created_at,
			um.content AS query, am.content AS response
		FROM feedback f
		JOIN messages um ON um.conversation_id = f.conversation_id AND um.role = 'user'
		JOIN messages am ON am.conversation_id = f.conversation_id AND am.role = 'assistant'
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list feedback: %w", err)
	}
	defer rows.Close()

	var results []models.JoinedFeedback
	for rows.Next() {
		var jf models.JoinedFeedback
		var createdAt int64

		err := rows.Scan(
			&jf.ID,
			&jf.UserID,
			&jf.Username,
			&jf.UserFullName,
			&jf.FeedbackType,
			&jf.ConversationID,
			&jf.TimeSaved,
			&jf.Rating,
			&jf.Recommend,
			&jf.LikedAspects,
			&jf.OtherLiked,
			&jf.ImprovementSuggestions,
			&jf.Issues,
			&jf.OtherFeedback,
			&createdAt,
			&jf.Query,
			&jf.Response,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}

		jf.CreatedAt = time.Unix(createdAt, 0).UTC()
		results = append(results, jf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate feedback rows: %w", err)
	}

	return results, nil
}

// ListResponses is the reduced projection of the same join used by the
// response listing endpoint.
func (c *Client) ListResponses(limit int) ([]models.ResponseRow, error) {
	rows, err := c.db.Query(
		`SELECT f.user_id, f.username, f.user_full_name, f.created_at,
			um.content AS query, am.content AS response
		FROM feedback f
		JOIN messages um ON um.conversation_id = f.conversation_id AND um.role = 'user'
		JOIN messages am ON am.conversation_id = f.conversation_id AND am.role = 'assistant'
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var results []models.ResponseRow
	for rows.Next() {
		var row models.ResponseRow
		var createdAt int64

		err := rows.Scan(
			&row.UserID,
			&row.Username,
			&row.UserFullName,
			&createdAt,
			&row.Query,
			&row.Response,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan response row: %w", err)
		}

		row.QueryTime = time.Unix(createdAt, 0).UTC()
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate response rows: %w", err)
	}

	return results, nil
}
