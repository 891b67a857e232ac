// Package feedback validates quality-feedback submissions and resolves them
// back to the query/response text of their conversation.
package feedback

import (
	"fmt"
	"strings"

	"github.com/rag-chatbot/backend/internal/errs"
	"github.com/rag-chatbot/backend/internal/metrics"
	"github.com/rag-chatbot/backend/internal/storage/models"
)

const listLimit = 1000

const (
	TypePositive = "positive"
	TypeNegative = "negative"
)

type Store interface {
	AddFeedback(fb *models.Feedback) (*models.Feedback, error)
	ListFeedbackJoined(limit int) ([]models.JoinedFeedback, error)
	ListResponses(limit int) ([]models.ResponseRow, error)
}

type Correlator struct {
	store Store
}

func NewCorrelator(store Store) *Correlator {
	return &Correlator{store: store}
}

// Submit validates the structured fields, then inserts the row with a
// server-assigned timestamp. Validation failures never reach the store.
func (c *Correlator) Submit(fb *models.Feedback) (*models.Feedback, error) {
	if err := validate(fb); err != nil {
		return nil, err
	}

	stored, err := c.store.AddFeedback(fb)
	if err != nil {
		return nil, err
	}

	metrics.FeedbackTotal.WithLabelValues(stored.FeedbackType).Inc()

	return stored, nil
}

// ListJoined returns up to 1000 feedback rows, each enriched with a (user,
// assistant) content pair from its conversation. The join pairs every user
// message with every assistant message of the conversation, so multi-turn
// conversations expand to one row per pair.
func (c *Correlator) ListJoined() ([]models.JoinedFeedback, error) {
	return c.store.ListFeedbackJoined(listLimit)
}

// ListResponses returns the reduced reporter/query/response projection of
// the same join.
func (c *Correlator) ListResponses() ([]models.ResponseRow, error) {
	return c.store.ListResponses(listLimit)
}

func validate(fb *models.Feedback) error {
	switch strings.ToLower(fb.FeedbackType) {
	case TypePositive, TypeNegative:
	default:
		return fmt.Errorf("%w: feedback_type must be positive or negative, got %q", errs.ErrInvalidArgument, fb.FeedbackType)
	}

	if fb.Rating != 0 && (fb.Rating < 1 || fb.Rating > 10) {
		return fmt.Errorf("%w: rating must be in [1,10], got %d", errs.ErrInvalidArgument, fb.Rating)
	}

	if fb.Recommend != "" {
		switch strings.ToLower(fb.Recommend) {
		case "yes", "no":
		default:
			return fmt.Errorf("%w: recommend must be Yes or No, got %q", errs.ErrInvalidArgument, fb.Recommend)
		}
	}

	return nil
}
