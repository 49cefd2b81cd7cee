package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Store persists conversations and their strictly ordered messages.
type Store struct {
	db    *gorm.DB
	cache *historyCache
}

// NewStore wires the conversation store; redisClient may be nil, in which
// case history reads always go to the database.
func NewStore(db *gorm.DB, redisClient *redis.Client) (*Store, error) {
	if db == nil {
		return nil, errors.New("chat: database connection is required")
	}
	return &Store{db: db, cache: newHistoryCache(redisClient)}, nil
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Conversation{}, &Message{})
}

// Resolve loads the conversation when an id is given, scoped to the caller's
// user id (or session id for anonymous callers) so one id never resolves to a
// foreign thread. Without an id it creates a fresh active conversation titled
// after the first question. The bool reports whether a conversation was
// created.
func (s *Store) Resolve(ctx context.Context, userID, sessionID, conversationID, firstQuestion string) (*Conversation, bool, error) {
	if conversationID != "" {
		query := s.db.WithContext(ctx).Where("id = ?", conversationID)
		if userID != "" {
			query = query.Where("user_id = ?", userID)
		} else if sessionID != "" {
			query = query.Where("session_id = ?", sessionID)
		}
		var conv Conversation
		if err := query.Take(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, false, ErrConversationNotFound
			}
			return nil, false, err
		}
		return &conv, false, nil
	}

	now := time.Now().UTC()
	conv := Conversation{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Title:         deriveTitle(firstQuestion),
		Status:        ConversationActive,
		LastMessageAt: now,
		StartedAt:     now,
	}
	if conv.SessionID == "" {
		conv.SessionID = uuid.NewString()
	}
	if userID != "" {
		owner := userID
		conv.UserID = &owner
	}
	if err := s.db.WithContext(ctx).Create(&conv).Error; err != nil {
		return nil, false, err
	}
	return &conv, true, nil
}

// AppendParams carries everything persisted with one message.
type AppendParams struct {
	Role        string
	Content     string
	Sources     []Source
	LatencyMs   *int
	TokenInput  *int
	TokenOutput *int
}

// maxSeqAttempts bounds the duplicate-key retries of one append.
const maxSeqAttempts = 5

// AppendMessage inserts the next message of a conversation. The sequence
// number is read and assigned inside one transaction; two writers that read
// the same MAX(seq) under MVCC isolation cannot both commit, because the
// unique (conversation_id, seq) index rejects the loser, whose transaction is
// retried with a fresh read. lastMessageAt is bumped in the same transaction.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, params AppendParams) (*Message, error) {
	msg := Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           params.Role,
		Content:        params.Content,
		Sources:        sourcesToJSON(params.Sources),
		LatencyMs:      params.LatencyMs,
		TokenInput:     params.TokenInput,
		TokenOutput:    params.TokenOutput,
	}

	var err error
	for attempt := 1; attempt <= maxSeqAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var lastSeq int
			if err := tx.Model(&Message{}).
				Where("conversation_id = ?", conversationID).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&lastSeq).Error; err != nil {
				return err
			}
			msg.Seq = lastSeq + 1

			if err := tx.Create(&msg).Error; err != nil {
				return err
			}

			return tx.Model(&Conversation{}).
				Where("id = ?", conversationID).
				Update("last_message_at", time.Now().UTC()).Error
		})
		if err == nil {
			break
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("chat: append message lost %d seq races: %w", maxSeqAttempts, err)
	}

	if err := s.db.WithContext(ctx).Where("id = ?", msg.ID).Take(&msg).Error; err != nil {
		return nil, err
	}

	s.cache.invalidate(ctx, conversationID)
	return &msg, nil
}

// History returns the most recent limit messages in ascending seq order.
// The recent window is served from cache when Redis is up.
func (s *Store) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if cached, err := s.cache.get(ctx, conversationID, limit); err == nil {
		return cached, nil
	}

	var history []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq DESC").
		Limit(limit).
		Find(&history).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}

	s.cache.store(ctx, conversationID, limit, history)
	return history, nil
}

// Messages returns the full transcript in ascending seq order.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]Message, error) {
	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC").
		Find(&messages).Error; err != nil {
		return nil, err
	}
	return messages, nil
}

// Get loads a conversation scoped to the caller, mirroring Resolve.
func (s *Store) Get(ctx context.Context, userID, sessionID, conversationID string) (*Conversation, error) {
	conv, _, err := s.Resolve(ctx, userID, sessionID, conversationID, "")
	return conv, err
}

// Close marks the conversation closed. Closing twice is a no-op.
func (s *Store) Close(ctx context.Context, userID, sessionID, conversationID string) error {
	conv, err := s.Get(ctx, userID, sessionID, conversationID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conv.ID).
		Update("status", ConversationClosed).Error
}

// Rate stores a 1-5 rating with optional free text on the conversation.
func (s *Store) Rate(ctx context.Context, userID, sessionID, conversationID string, rating int, text string) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	conv, err := s.Get(ctx, userID, sessionID, conversationID)
	if err != nil {
		return err
	}
	updates := map[string]any{"rating": rating}
	if trimmed := text; trimmed != "" {
		updates["rating_text"] = trimmed
	}
	return s.db.WithContext(ctx).Model(&Conversation{}).
		Where("id = ?", conv.ID).
		Updates(updates).Error
}
