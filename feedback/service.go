package feedback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"helpdesk_back/articles"
)

// ErrUnknownItem is returned when the feedback target does not exist.
var ErrUnknownItem = errors.New("feedback: unknown item")

// ErrInvalidItemType rejects targets other than articles and messages.
var ErrInvalidItemType = errors.New("feedback: invalid item type")

// Service records helpful/unhelpful feedback. Feedback rows are the source of
// truth for identified users: article counters move only when a user's
// feedback is first recorded or its helpful flag flips. Anonymous feedback
// cannot be deduplicated and adjusts the raw counters directly.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) (*Service, error) {
	if db == nil {
		return nil, errors.New("feedback: database connection is required")
	}
	return &Service{db: db}, nil
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&Feedback{})
}

// RecordInput describes one feedback submission.
type RecordInput struct {
	UserID   string
	ItemID   string
	ItemType string
	Helpful  bool
	Comments string
}

// Result reports how the submission was applied.
type Result struct {
	Deduplicated    bool `json:"deduplicated"`
	CountersChanged bool `json:"counters_changed"`
}

// Record applies one feedback submission.
func (s *Service) Record(ctx context.Context, input RecordInput) (*Result, error) {
	itemType := strings.ToLower(strings.TrimSpace(input.ItemType))
	if itemType != ItemTypeArticle && itemType != ItemTypeMessage {
		return nil, ErrInvalidItemType
	}
	itemID := strings.TrimSpace(input.ItemID)
	if itemID == "" {
		return nil, ErrUnknownItem
	}
	if err := s.ensureItemExists(ctx, itemID, itemType); err != nil {
		return nil, err
	}

	userID := strings.TrimSpace(input.UserID)
	if userID == "" {
		// anonymous path: raw counter increment, no dedup possible
		if itemType == ItemTypeArticle {
			if err := s.adjustArticleCounters(s.db.WithContext(ctx), itemID, delta(input.Helpful), delta(!input.Helpful)); err != nil {
				return nil, err
			}
			return &Result{CountersChanged: true}, nil
		}
		return &Result{}, nil
	}

	result := &Result{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Feedback
		err := tx.Where("user_id = ? AND item_id = ? AND item_type = ?", userID, itemID, itemType).
			Take(&existing).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := Feedback{
				ID:       uuid.NewString(),
				UserID:   userID,
				ItemID:   itemID,
				ItemType: itemType,
				Helpful:  input.Helpful,
			}
			if comments := strings.TrimSpace(input.Comments); comments != "" {
				row.Comments = &comments
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			if itemType == ItemTypeArticle {
				if err := s.adjustArticleCounters(tx, itemID, delta(input.Helpful), delta(!input.Helpful)); err != nil {
					return err
				}
				result.CountersChanged = true
			}
			return nil

		case err != nil:
			return err

		default:
			result.Deduplicated = true
			updates := map[string]any{"helpful": input.Helpful}
			if comments := strings.TrimSpace(input.Comments); comments != "" {
				updates["comments"] = comments
			}
			if err := tx.Model(&Feedback{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return err
			}
			if existing.Helpful != input.Helpful && itemType == ItemTypeArticle {
				// flipped vote: move one count across, never double-add
				if err := s.adjustArticleCounters(tx, itemID, flipDelta(input.Helpful), flipDelta(!input.Helpful)); err != nil {
					return err
				}
				result.CountersChanged = true
			}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) ensureItemExists(ctx context.Context, itemID, itemType string) error {
	var count int64
	query := s.db.WithContext(ctx)
	switch itemType {
	case ItemTypeArticle:
		query = query.Model(&articles.Article{}).Where("id = ?", itemID)
	case ItemTypeMessage:
		query = query.Table("messages").Where("id = ?", itemID)
	default:
		return ErrInvalidItemType
	}
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s %s", ErrUnknownItem, itemType, itemID)
	}
	return nil
}

// adjustArticleCounters applies the deltas atomically, clamping at zero.
func (s *Service) adjustArticleCounters(tx *gorm.DB, articleID string, helpfulDelta, unhelpfulDelta int) error {
	updates := make(map[string]any, 2)
	if helpfulDelta != 0 {
		updates["helpful_count"] = gorm.Expr("CASE WHEN helpful_count + ? < 0 THEN 0 ELSE helpful_count + ? END", helpfulDelta, helpfulDelta)
	}
	if unhelpfulDelta != 0 {
		updates["unhelpful_count"] = gorm.Expr("CASE WHEN unhelpful_count + ? < 0 THEN 0 ELSE unhelpful_count + ? END", unhelpfulDelta, unhelpfulDelta)
	}
	if len(updates) == 0 {
		return nil
	}
	return tx.Model(&articles.Article{}).Where("id = ?", articleID).Updates(updates).Error
}

// delta is +1 when the flag applies to this counter, 0 otherwise.
func delta(applies bool) int {
	if applies {
		return 1
	}
	return 0
}

// flipDelta moves a flipped vote: +1 to the counter gaining the vote, -1 to
// the one losing it.
func flipDelta(gaining bool) int {
	if gaining {
		return 1
	}
	return -1
}
