package articles

import (
	"strings"
	"time"
	"unicode"

	"gorm.io/datatypes"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusArchived  = "archived"
)

// Article is a knowledge-base entry. The embedding column holds the indexed
// vector as a JSON float array and stays NULL until indexing has run; the
// content hash is the change-detection key that keeps re-saves from
// re-embedding unchanged text.
type Article struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	Title            string         `gorm:"size:200;not null" json:"title"`
	ShortDescription string         `gorm:"size:500" json:"short_description"`
	Content          string         `gorm:"type:text;not null" json:"content"`
	CategoryID       *string        `gorm:"size:36;index" json:"category_id,omitempty"`
	Tags             datatypes.JSON `gorm:"type:json" json:"tags,omitempty"`
	Status           string         `gorm:"size:16;not null;default:'draft';index" json:"status"`
	Embedding        datatypes.JSON `gorm:"type:json" json:"-"`
	ContentHash      string         `gorm:"size:64" json:"-"`
	HelpfulCount     int            `gorm:"not null;default:0" json:"helpful_count"`
	UnhelpfulCount   int            `gorm:"not null;default:0" json:"unhelpful_count"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Article) TableName() string {
	return "knowledge_articles"
}

// Category is the taxonomy reference articles point at.
type Category struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Slug      string    `gorm:"size:120;not null;uniqueIndex" json:"slug"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Category) TableName() string {
	return "knowledge_categories"
}

// DeriveSlug builds a URL slug from a category name. Kept as a pure function
// invoked by the write path rather than a model hook.
func DeriveSlug(name string) string {
	var builder strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			builder.WriteRune(r)
			lastDash = false
		case !lastDash:
			builder.WriteRune('-')
			lastDash = true
		}
	}
	return strings.Trim(builder.String(), "-")
}
