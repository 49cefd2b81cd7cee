package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"helpdesk_back/articles"
	"helpdesk_back/llm"
)

// Module owns the chat boundary: the orchestrator plus its HTTP surface.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the chat endpoints. The retriever comes from the
// articles module; the generation client is built from the environment.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, retriever Retriever, redisClient *redis.Client) (*Module, error) {
	client, err := llm.NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}
	return registerRoutes(router, db, retriever, client, redisClient)
}

func registerRoutes(router *gin.Engine, db *gorm.DB, retriever Retriever, generator Generator, redisClient *redis.Client) (*Module, error) {
	store, err := NewStore(db, redisClient)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{service: NewService(store, retriever, generator, ConfigFromEnv())}

	group := router.Group("/chat")
	group.POST("", module.handleSend)
	group.GET("/conversations/:id/messages", module.handleMessages)
	group.POST("/conversations/:id/close", module.handleClose)
	group.POST("/conversations/:id/rating", module.handleRating)
	group.POST("/feedback", module.handleFreeTextFeedback)

	return module, nil
}

// Service exposes the orchestrator, mainly for tests.
func (m *Module) Service() *Service {
	return m.service
}

type chatRequestMetadata struct {
	UserAgent string `json:"userAgent"`
	IPAddress string `json:"ipAddress"`
	Referrer  string `json:"referrer"`
	Path      string `json:"path"`
}

type chatRequest struct {
	Message        string               `json:"message" binding:"required"`
	ConversationID string               `json:"conversationId"`
	SessionID      string               `json:"sessionId"`
	UserID         string               `json:"userId"`
	Metadata       *chatRequestMetadata `json:"metadata,omitempty"`
}

func (m *Module) handleSend(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "message is required"})
		return
	}

	if req.Metadata != nil {
		log.Printf("chat: request meta ua=%q ip=%q path=%q referrer=%q", req.Metadata.UserAgent, req.Metadata.IPAddress, req.Metadata.Path, req.Metadata.Referrer)
	}

	input := SendInput{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
	}

	if wantsEventStream(c) {
		m.handleSendStream(c, input)
		return
	}

	result, err := m.service.Send(c.Request.Context(), input)
	if err != nil {
		status, message := mapChatError(err)
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"answer":         result.Answer,
		"sources":        sourcesPayload(result.Sources),
		"conversationId": result.ConversationID,
		"messageId":      result.MessageID,
	})
}

// handleSendStream emits the reply as Server-Sent Events: a sources event
// once retrieval is done, delta events while the backend streams, then a done
// event carrying the persisted ids.
func (m *Module) handleSendStream(c *gin.Context, input SendInput) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	result, err := m.service.SendStream(c.Request.Context(), input, func(delta llm.ChatStreamDelta) error {
		if delta.Done {
			return nil
		}
		if delta.Content == "" {
			return nil
		}
		return streamEvent(c.Writer, flusher, "delta", gin.H{"content": delta.Content})
	})
	if err != nil {
		status, message := mapChatError(err)
		_ = streamEvent(c.Writer, flusher, "error", gin.H{"success": false, "message": message, "status": status})
		return
	}

	_ = streamEvent(c.Writer, flusher, "sources", gin.H{"sources": sourcesPayload(result.Sources)})
	_ = streamEvent(c.Writer, flusher, "done", gin.H{
		"success":        true,
		"answer":         result.Answer,
		"conversationId": result.ConversationID,
		"messageId":      result.MessageID,
	})
}

func (m *Module) handleMessages(c *gin.Context) {
	conversationID := c.Param("id")
	userID := strings.TrimSpace(c.Query("user_id"))
	sessionID := strings.TrimSpace(c.Query("session_id"))

	conv, err := m.service.Store().Get(c.Request.Context(), userID, sessionID, conversationID)
	if err != nil {
		status, message := mapChatError(err)
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}

	messages, err := m.service.Store().Messages(c.Request.Context(), conv.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to load messages"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"conversation": conv,
		"messages":     messages,
	})
}

func (m *Module) handleClose(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	sessionID := strings.TrimSpace(c.Query("session_id"))

	if err := m.service.Store().Close(c.Request.Context(), userID, sessionID, c.Param("id")); err != nil {
		status, message := mapChatError(err)
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type ratingRequest struct {
	Rating       int    `json:"rating" binding:"required"`
	FeedbackText string `json:"feedbackText"`
	UserID       string `json:"userId"`
	SessionID    string `json:"sessionId"`
}

func (m *Module) handleRating(c *gin.Context) {
	var req ratingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "rating is required"})
		return
	}

	err := m.service.Store().Rate(c.Request.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.SessionID), c.Param("id"), req.Rating, strings.TrimSpace(req.FeedbackText))
	if err != nil {
		status, message := mapChatError(err)
		c.JSON(status, gin.H{"success": false, "message": message})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type freeTextFeedbackRequest struct {
	FeedbackText   string `json:"feedbackText" binding:"required"`
	ConversationID string `json:"conversationId"`
}

// handleFreeTextFeedback captures qualitative feedback. It is logged with
// enough context to find the conversation, not structurally persisted.
func (m *Module) handleFreeTextFeedback(c *gin.Context) {
	var req freeTextFeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "feedbackText is required"})
		return
	}

	log.Printf("chat: free-text feedback conversation=%q text=%q", req.ConversationID, strings.TrimSpace(req.FeedbackText))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func sourcesPayload(sources []Source) []gin.H {
	payload := make([]gin.H, 0, len(sources))
	for _, source := range sources {
		payload = append(payload, gin.H{
			"articleId": source.ArticleID,
			"title":     source.Title,
			"score":     source.Score,
		})
	}
	return payload
}

// mapChatError translates the error taxonomy into HTTP statuses. User-visible
// failures are always structured payloads, never raw traces.
func mapChatError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, ErrInvalidRating):
		return http.StatusBadRequest, "rating must be between 1 and 5"
	case errors.Is(err, ErrConversationClosed):
		return http.StatusBadRequest, "conversation is closed"
	case errors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, articles.ErrRetrievalUnavailable):
		return http.StatusServiceUnavailable, "retrieval is temporarily unavailable"
	case errors.Is(err, llm.ErrGenerationService):
		return http.StatusBadGateway, "answer generation failed"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// wantsEventStream reports whether the client asked for a streamed reply.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		return strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes")
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
