package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	historyCacheTTL     = 30 * time.Second
	historyCacheTimeout = 300 * time.Millisecond
)

// historyCache keeps a conversation's recent window in Redis so the prompt
// builder does not re-read the database on every turn. Cache operations carry
// their own short timeout; a slow or absent Redis never delays a request.
type historyCache struct {
	client *redis.Client
}

func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

func (h *historyCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), historyCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= historyCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, historyCacheTimeout)
}

// cachedHistory is the stored payload. The limit it was read with travels
// along so a window of a different size is treated as a miss instead of
// needing its own key.
type cachedHistory struct {
	Limit    int       `json:"limit"`
	Messages []Message `json:"messages"`
}

func (h *historyCache) key(conversationID string) string {
	if h == nil || h.client == nil || conversationID == "" {
		return ""
	}
	return fmt.Sprintf("chat:history:%s", conversationID)
}

func (h *historyCache) get(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if h == nil || h.client == nil {
		return nil, redis.Nil
	}
	key := h.key(conversationID)
	if key == "" {
		return nil, redis.Nil
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}

	var cached cachedHistory
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}
	if cached.Limit != limit {
		return nil, redis.Nil
	}
	return cached.Messages, nil
}

func (h *historyCache) store(ctx context.Context, conversationID string, limit int, messages []Message) {
	if h == nil || h.client == nil {
		return
	}
	key := h.key(conversationID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(cachedHistory{Limit: limit, Messages: messages})
	if err != nil {
		log.Printf("chat: marshal history cache payload failed: %v", err)
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Set(ctx, key, payload, historyCacheTTL).Err(); err != nil {
		log.Printf("chat: store history cache failed: %v", err)
	}
}

// invalidate drops the conversation's cached window after an append. The key
// is deterministic, so this is a single DEL with no keyspace scan.
func (h *historyCache) invalidate(ctx context.Context, conversationID string) {
	key := h.key(conversationID)
	if key == "" {
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, key).Err(); err != nil {
		log.Printf("chat: invalidate history cache failed: %v", err)
	}
}
