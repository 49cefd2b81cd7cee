package feedback

import "time"

const (
	ItemTypeArticle = "article"
	ItemTypeMessage = "message"
)

// Feedback is the canonical helpful/unhelpful record for one (user, item,
// type) triple. The unique index makes repeat submissions update in place.
type Feedback struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:64;not null;uniqueIndex:idx_feedback_user_item,priority:1" json:"user_id"`
	ItemID    string    `gorm:"size:36;not null;uniqueIndex:idx_feedback_user_item,priority:2" json:"item_id"`
	ItemType  string    `gorm:"size:16;not null;uniqueIndex:idx_feedback_user_item,priority:3" json:"item_type"`
	Helpful   bool      `gorm:"not null" json:"helpful"`
	Comments  *string   `gorm:"size:1000" json:"comments,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Feedback) TableName() string {
	return "feedback"
}
