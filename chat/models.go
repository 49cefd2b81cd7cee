package chat

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"
)

const (
	ConversationActive = "active"
	ConversationClosed = "closed"

	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

const maxTitleChars = 60

// Conversation is one chat thread, owned by a user or an anonymous session.
type Conversation struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	UserID        *string   `gorm:"size:64;index" json:"user_id,omitempty"`
	SessionID     string    `gorm:"size:64;index" json:"session_id"`
	Title         string    `gorm:"size:120" json:"title"`
	Status        string    `gorm:"size:16;not null;default:'active'" json:"status"`
	Rating        *int      `json:"rating,omitempty"`
	RatingText    *string   `gorm:"size:1000" json:"rating_text,omitempty"`
	LastMessageAt time.Time `json:"last_message_at"`
	StartedAt     time.Time `json:"started_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// Message is one turn inside a conversation. Seq is assigned transactionally
// per conversation and is the only legal replay order; the unique index makes
// a second writer that raced the same MAX(seq) fail instead of committing a
// duplicate position.
type Message struct {
	ID             string         `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string         `gorm:"size:36;not null;uniqueIndex:idx_messages_conv_seq,priority:1" json:"conversation_id"`
	Seq            int            `gorm:"not null;uniqueIndex:idx_messages_conv_seq,priority:2" json:"seq"`
	Role           string         `gorm:"size:16;not null" json:"role"`
	Content        string         `gorm:"type:text;not null" json:"content"`
	Sources        datatypes.JSON `gorm:"type:json" json:"sources,omitempty"`
	LatencyMs      *int           `json:"latency_ms,omitempty"`
	TokenInput     *int           `json:"token_input,omitempty"`
	TokenOutput    *int           `json:"token_output,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func (Message) TableName() string {
	return "messages"
}

// Source attributes part of an assistant reply to a knowledge article. It
// lives only inside its message's sources column, never as its own row.
type Source struct {
	ArticleID string  `json:"article_id"`
	Title     string  `json:"title"`
	Score     float64 `json:"score"`
}

func sourcesToJSON(sources []Source) datatypes.JSON {
	if len(sources) == 0 {
		return nil
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

// SourcesOf decodes the sources column of a message.
func SourcesOf(msg Message) []Source {
	if len(msg.Sources) == 0 {
		return nil
	}
	var sources []Source
	if err := json.Unmarshal(msg.Sources, &sources); err != nil {
		return nil
	}
	return sources
}

// deriveTitle names a new conversation after its first question, truncated at
// a whitespace boundary.
func deriveTitle(question string) string {
	trimmed := strings.Join(strings.Fields(question), " ")
	runes := []rune(trimmed)
	if len(runes) <= maxTitleChars {
		return trimmed
	}
	cut := string(runes[:maxTitleChars])
	if idx := strings.LastIndexAny(cut, " \t"); idx > maxTitleChars/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "…"
}
