package feedback

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"helpdesk_back/articles"
)

// Module exposes the helpful/unhelpful feedback endpoints.
type Module struct {
	service  *Service
	articles *articles.Service
}

// RegisterRoutes mounts the feedback endpoints for articles and messages.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, articleService *articles.Service) (*Module, error) {
	service, err := NewService(db)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}

	module := &Module{service: service, articles: articleService}

	router.POST("/articles/:id/feedback", module.handleArticleFeedback)
	router.POST("/messages/:id/feedback", module.handleMessageFeedback)

	return module, nil
}

type feedbackRequest struct {
	IsHelpful *bool  `json:"isHelpful" binding:"required"`
	UserID    string `json:"userId"`
	Comments  string `json:"comments"`
}

func (m *Module) handleArticleFeedback(c *gin.Context) {
	m.record(c, c.Param("id"), ItemTypeArticle)
}

func (m *Module) handleMessageFeedback(c *gin.Context) {
	m.record(c, c.Param("id"), ItemTypeMessage)
}

func (m *Module) record(c *gin.Context, itemID, itemType string) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "isHelpful is required"})
		return
	}

	result, err := m.service.Record(c.Request.Context(), RecordInput{
		UserID:   strings.TrimSpace(req.UserID),
		ItemID:   itemID,
		ItemType: itemType,
		Helpful:  *req.IsHelpful,
		Comments: req.Comments,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownItem):
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "item not found"})
		case errors.Is(err, ErrInvalidItemType):
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid item type"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to record feedback"})
		}
		return
	}

	payload := gin.H{"success": true, "deduplicated": result.Deduplicated}

	if itemType == ItemTypeArticle && m.articles != nil {
		if record, err := m.articles.Get(c.Request.Context(), itemID); err == nil {
			payload["helpfulCount"] = record.HelpfulCount
			payload["unhelpfulCount"] = record.UnhelpfulCount
		}
	}

	c.JSON(http.StatusOK, payload)
}
