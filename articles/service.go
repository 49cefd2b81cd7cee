package articles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrRetrievalUnavailable is returned when the query cannot be embedded even
// after retries. The chat boundary decides whether to degrade or fail.
var ErrRetrievalUnavailable = errors.New("articles: retrieval unavailable")

// ErrArticleNotFound is returned for lookups of unknown article ids.
var ErrArticleNotFound = errors.New("articles: article not found")

const (
	defaultRetrieveTopK     = 5
	defaultRetrieveMinScore = 0.2
	defaultEmbedAttempts    = 3
	defaultEmbedRetryDelay  = 200 * time.Millisecond
)

// Service maintains the article store and its in-memory vector index.
type Service struct {
	db            *gorm.DB
	embedder      Embedder
	index         *vectorIndex
	embedAttempts int
	embedDelay    time.Duration
}

// UpsertInput carries the authoring payload for an article write.
type UpsertInput struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	ShortDescription string   `json:"short_description"`
	Content          string   `json:"content"`
	CategoryID       *string  `json:"category_id,omitempty"`
	Tags             []string `json:"tags"`
	Status           string   `json:"status"`
}

// Record is the read projection handed to callers and handlers.
type Record struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	ShortDescription string    `json:"short_description"`
	Content          string    `json:"content,omitempty"`
	CategoryID       *string   `json:"category_id,omitempty"`
	Tags             []string  `json:"tags"`
	Status           string    `json:"status"`
	Indexed          bool      `json:"indexed"`
	HelpfulCount     int       `json:"helpful_count"`
	UnhelpfulCount   int       `json:"unhelpful_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Retrieved pairs an article with its similarity score for one query.
type Retrieved struct {
	Article Record  `json:"article"`
	Score   float64 `json:"score"`
}

// NewService wires the store, the injected embedder and an empty index.
// Call Rebuild to warm the index from already-persisted embeddings.
func NewService(db *gorm.DB, embedder Embedder) (*Service, error) {
	if db == nil {
		return nil, errors.New("articles: database connection is required")
	}
	if embedder == nil {
		return nil, errors.New("articles: embedder is required")
	}

	attempts := defaultEmbedAttempts
	if raw := strings.TrimSpace(os.Getenv("RETRIEVAL_EMBED_ATTEMPTS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			attempts = parsed
		}
	}

	return &Service{
		db:            db,
		embedder:      embedder,
		index:         newVectorIndex(),
		embedAttempts: attempts,
		embedDelay:    defaultEmbedRetryDelay,
	}, nil
}

func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(&Article{}, &Category{})
}

// Rebuild loads every published, embedded article into the index.
func (s *Service) Rebuild(ctx context.Context) error {
	var rows []Article
	if err := s.db.WithContext(ctx).
		Where("status = ? AND embedding IS NOT NULL", StatusPublished).
		Find(&rows).Error; err != nil {
		return fmt.Errorf("articles: rebuild index: %w", err)
	}
	for _, row := range rows {
		vector := vectorFromJSON(row.Embedding)
		if len(vector) == 0 {
			continue
		}
		s.index.put(indexEntryFor(row, vector))
	}
	log.Printf("articles: index rebuilt with %d entries", s.index.size())
	return nil
}

// Upsert creates or updates an article. The embedding is recomputed only when
// the title/short description/content hash changed, so repeated saves of
// unchanged text never hit the embedding backend.
func (s *Service) Upsert(ctx context.Context, input UpsertInput) (*Record, error) {
	sanitized := sanitizeUpsertInput(input)
	if sanitized.Title == "" {
		return nil, errors.New("articles: title is required")
	}
	if sanitized.Content == "" {
		return nil, errors.New("articles: content is required")
	}

	hash := contentHash(sanitized.Title, sanitized.ShortDescription, sanitized.Content)

	var existing *Article
	if sanitized.ID != "" {
		var row Article
		err := s.db.WithContext(ctx).Where("id = ?", sanitized.ID).Take(&row).Error
		switch {
		case err == nil:
			existing = &row
		case errors.Is(err, gorm.ErrRecordNotFound):
			// treated as a create with a caller-chosen id
		default:
			return nil, err
		}
	}

	article := Article{
		ID:               sanitized.ID,
		Title:            sanitized.Title,
		ShortDescription: sanitized.ShortDescription,
		Content:          sanitized.Content,
		CategoryID:       sanitized.CategoryID,
		Tags:             tagsToJSON(sanitized.Tags),
		Status:           sanitized.Status,
		ContentHash:      hash,
	}
	if article.ID == "" {
		article.ID = uuid.NewString()
	}

	embedding := datatypes.JSON(nil)
	if existing != nil && existing.ContentHash == hash && len(existing.Embedding) > 0 {
		embedding = existing.Embedding
	} else {
		vector, err := EmbedOne(ctx, s.embedder, embeddingText(sanitized))
		if err != nil {
			return nil, err
		}
		embedding = vectorToJSON(vector)
	}
	article.Embedding = embedding

	if existing != nil {
		article.CreatedAt = existing.CreatedAt
		article.HelpfulCount = existing.HelpfulCount
		article.UnhelpfulCount = existing.UnhelpfulCount
	}

	if err := s.db.WithContext(ctx).Save(&article).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Where("id = ?", article.ID).Take(&article).Error; err != nil {
		return nil, err
	}

	s.syncIndexEntry(article)

	record := buildRecord(article, true)
	return &record, nil
}

// Remove deletes the article and drops it from the index.
func (s *Service) Remove(ctx context.Context, articleID string) error {
	result := s.db.WithContext(ctx).Where("id = ?", articleID).Delete(&Article{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrArticleNotFound
	}
	s.index.remove(articleID)
	return nil
}

// Search answers a raw similarity query against the index. It returns an
// empty slice, never an error, when nothing qualifies.
func (s *Service) Search(queryVector []float32, k int, filter Filter) []Hit {
	return s.index.search(queryVector, k, filter)
}

// RetrieveOptions tune a retrieval; zero values fall back to the defaults.
type RetrieveOptions struct {
	TopK     int
	MinScore float64
	Filter   Filter
}

// Retrieve embeds the query, searches the index and drops weak matches.
// Embedding is retried with linear backoff since it is an idempotent read;
// exhaustion surfaces as ErrRetrievalUnavailable.
func (s *Service) Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Retrieved, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return []Retrieved{}, nil
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = defaultRetrieveTopK
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = defaultRetrieveMinScore
	}

	vector, err := s.embedWithRetry(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetrievalUnavailable, err)
	}

	hits := s.index.search(vector, topK, opts.Filter)

	kept := make([]Hit, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < minScore {
			continue
		}
		kept = append(kept, hit)
	}
	if len(kept) == 0 {
		return []Retrieved{}, nil
	}

	return s.hydrate(ctx, kept)
}

func (s *Service) embedWithRetry(ctx context.Context, query string) ([]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= s.embedAttempts; attempt++ {
		vector, err := EmbedOne(ctx, s.embedder, query)
		if err == nil {
			return vector, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < s.embedAttempts {
			select {
			case <-time.After(time.Duration(attempt) * s.embedDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// hydrate loads full rows for the hits while preserving score order.
func (s *Service) hydrate(ctx context.Context, hits []Hit) ([]Retrieved, error) {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ArticleID)
	}

	var rows []Article
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[string]Article, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}

	results := make([]Retrieved, 0, len(hits))
	for _, hit := range hits {
		row, ok := byID[hit.ArticleID]
		if !ok {
			// row deleted between snapshot and hydrate; skip silently
			continue
		}
		results = append(results, Retrieved{
			Article: buildRecord(row, true),
			Score:   hit.Score,
		})
	}
	return results, nil
}

// List returns published articles, optionally narrowed by category or tag.
func (s *Service) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := s.db.WithContext(ctx).
		Where("status = ?", StatusPublished).
		Order("updated_at DESC")
	if filter.CategoryID != "" {
		query = query.Where("category_id = ?", filter.CategoryID)
	}

	var rows []Article
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		if filter.Tag != "" && !containsTag(parseTags(row.Tags), filter.Tag) {
			continue
		}
		records = append(records, buildRecord(row, false))
	}
	return records, nil
}

// Get loads one article regardless of status.
func (s *Service) Get(ctx context.Context, articleID string) (*Record, error) {
	var row Article
	if err := s.db.WithContext(ctx).Where("id = ?", articleID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrArticleNotFound
		}
		return nil, err
	}
	record := buildRecord(row, true)
	return &record, nil
}

// CreateCategory adds a taxonomy entry with a slug derived from its name.
func (s *Service) CreateCategory(ctx context.Context, name string) (*Category, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return nil, errors.New("articles: category name is required")
	}
	category := Category{
		ID:   uuid.NewString(),
		Name: trimmed,
		Slug: DeriveSlug(trimmed),
	}
	if category.Slug == "" {
		return nil, errors.New("articles: category name yields an empty slug")
	}
	if err := s.db.WithContext(ctx).Create(&category).Error; err != nil {
		return nil, err
	}
	return &category, nil
}

// ListCategories returns the taxonomy ordered by name.
func (s *Service) ListCategories(ctx context.Context) ([]Category, error) {
	var rows []Category
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// syncIndexEntry keeps the in-memory index consistent with the row: published
// and embedded rows are upserted, everything else is evicted.
func (s *Service) syncIndexEntry(article Article) {
	if article.Status != StatusPublished {
		s.index.remove(article.ID)
		return
	}
	vector := vectorFromJSON(article.Embedding)
	if len(vector) == 0 {
		s.index.remove(article.ID)
		return
	}
	s.index.put(indexEntryFor(article, vector))
}

func indexEntryFor(article Article, vector []float32) indexEntry {
	categoryID := ""
	if article.CategoryID != nil {
		categoryID = *article.CategoryID
	}
	return indexEntry{
		articleID:  article.ID,
		title:      article.Title,
		categoryID: categoryID,
		tags:       parseTags(article.Tags),
		vector:     vector,
		updatedAt:  article.UpdatedAt,
	}
}

func embeddingText(input UpsertInput) string {
	parts := []string{input.Title}
	if input.ShortDescription != "" {
		parts = append(parts, input.ShortDescription)
	}
	parts = append(parts, input.Content)
	return strings.Join(parts, "\n")
}

func contentHash(title, shortDescription, content string) string {
	sum := sha256.Sum256([]byte(title + "\x1f" + shortDescription + "\x1f" + content))
	return hex.EncodeToString(sum[:])
}

func sanitizeUpsertInput(input UpsertInput) UpsertInput {
	sanitized := UpsertInput{
		ID:               strings.TrimSpace(input.ID),
		Title:            strings.TrimSpace(input.Title),
		ShortDescription: strings.TrimSpace(input.ShortDescription),
		Content:          strings.TrimSpace(input.Content),
		Status:           sanitizeStatus(input.Status),
		Tags:             normalizeTags(input.Tags),
	}
	if input.CategoryID != nil {
		trimmed := strings.TrimSpace(*input.CategoryID)
		if trimmed != "" {
			sanitized.CategoryID = &trimmed
		}
	}
	return sanitized
}

func sanitizeStatus(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case StatusDraft, StatusPublished, StatusArchived:
		return normalized
	default:
		return StatusDraft
	}
}

func tagsToJSON(tags []string) datatypes.JSON {
	normalized := normalizeTags(tags)
	if len(normalized) == 0 {
		return datatypes.JSON([]byte("[]"))
	}
	raw, err := json.Marshal(normalized)
	if err != nil {
		return datatypes.JSON([]byte("[]"))
	}
	return datatypes.JSON(raw)
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		if _, exists := seen[lower]; exists {
			continue
		}
		seen[lower] = struct{}{}
		result = append(result, trimmed)
	}
	sort.Strings(result)
	return result
}

func parseTags(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil
	}
	return normalizeTags(tags)
}

func vectorToJSON(vector []float32) datatypes.JSON {
	if len(vector) == 0 {
		return nil
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func vectorFromJSON(raw datatypes.JSON) []float32 {
	if len(raw) == 0 {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil {
		return nil
	}
	return vector
}

func buildRecord(article Article, includeContent bool) Record {
	record := Record{
		ID:               article.ID,
		Title:            article.Title,
		ShortDescription: article.ShortDescription,
		CategoryID:       article.CategoryID,
		Tags:             parseTags(article.Tags),
		Status:           article.Status,
		Indexed:          len(article.Embedding) > 0,
		HelpfulCount:     article.HelpfulCount,
		UnhelpfulCount:   article.UnhelpfulCount,
		CreatedAt:        article.CreatedAt,
		UpdatedAt:        article.UpdatedAt,
	}
	if includeContent {
		record.Content = article.Content
	}
	return record
}
