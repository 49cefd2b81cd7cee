package articles

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Module exposes article read/write endpoints and owns the index service.
type Module struct {
	service *Service
}

// RegisterRoutes mounts the article endpoints and warms the vector index from
// previously persisted embeddings.
func RegisterRoutes(router *gin.Engine, db *gorm.DB, embedder Embedder) (*Module, error) {
	service, err := NewService(db, embedder)
	if err != nil {
		return nil, err
	}
	if err := service.AutoMigrate(); err != nil {
		return nil, err
	}
	if err := service.Rebuild(context.Background()); err != nil {
		return nil, err
	}

	module := &Module{service: service}

	group := router.Group("/articles")
	group.GET("", module.handleList)
	group.GET("/:id", module.handleGet)
	group.POST("", module.handleUpsert)
	group.DELETE("/:id", module.handleDelete)

	categories := router.Group("/categories")
	categories.GET("", module.handleListCategories)
	categories.POST("", module.handleCreateCategory)

	return module, nil
}

// Service exposes the index service for sibling modules (chat retrieval).
func (m *Module) Service() *Service {
	return m.service
}

func (m *Module) handleList(c *gin.Context) {
	filter := Filter{
		CategoryID: strings.TrimSpace(c.Query("category")),
		Tag:        strings.TrimSpace(c.Query("tag")),
	}

	records, err := m.service.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to list articles"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "articles": records})
}

func (m *Module) handleGet(c *gin.Context) {
	record, err := m.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrArticleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "article not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to load article"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "article": record})
}

func (m *Module) handleUpsert(c *gin.Context) {
	var input UpsertInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid request payload"})
		return
	}

	record, err := m.service.Upsert(c.Request.Context(), input)
	if err != nil {
		if errors.Is(err, ErrEmbeddingService) {
			c.JSON(http.StatusBadGateway, gin.H{"success": false, "message": "embedding service failure"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "article": record})
}

func (m *Module) handleDelete(c *gin.Context) {
	if err := m.service.Remove(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrArticleNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "article not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to delete article"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type createCategoryRequest struct {
	Name string `json:"name" binding:"required"`
}

func (m *Module) handleCreateCategory(c *gin.Context) {
	var req createCategoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "name is required"})
		return
	}

	category, err := m.service.CreateCategory(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"success": true, "category": category})
}

func (m *Module) handleListCategories(c *gin.Context) {
	categories, err := m.service.ListCategories(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "failed to list categories"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "categories": categories})
}
