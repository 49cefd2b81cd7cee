package articles

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"helpdesk_back/storage"
)

// fakeEmbedder returns deterministic vectors keyed by a substring of the
// input, counting calls so tests can assert on re-embedding behavior.
type fakeEmbedder struct {
	vectors map[string][]float32
	fallback []float32
	calls    int
	failures int
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("%w: backend down", ErrEmbeddingService)
	}
	out := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		vector := f.fallback
		for key, v := range f.vectors {
			if strings.Contains(input, key) {
				vector = v
				break
			}
		}
		out = append(out, vector)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimension() int {
	return len(f.fallback)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := storage.Open("sqlite", dsn)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	return db
}

func newTestService(t *testing.T, embedder Embedder) *Service {
	t.Helper()
	service, err := NewService(newTestDB(t), embedder)
	require.NoError(t, err)
	require.NoError(t, service.AutoMigrate())
	service.embedDelay = time.Millisecond
	return service
}

func publishedInput(title, content string, tags ...string) UpsertInput {
	return UpsertInput{
		Title:   title,
		Content: content,
		Status:  StatusPublished,
		Tags:    tags,
	}
}

func TestUpsertSkipsReembeddingUnchangedContent(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0, 0}}
	service := newTestService(t, embedder)
	ctx := context.Background()

	created, err := service.Upsert(ctx, publishedInput("Resetting criteria", "Open settings to reset."))
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.True(t, created.Indexed)

	// identical text: no embedding call
	same := publishedInput("Resetting criteria", "Open settings to reset.")
	same.ID = created.ID
	_, err = service.Upsert(ctx, same)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)

	// changed content: re-embedded
	changed := publishedInput("Resetting criteria", "Open settings, then reset from the admin tab.")
	changed.ID = created.ID
	_, err = service.Upsert(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, 2, embedder.calls)
}

func TestUpsertValidation(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1}})
	ctx := context.Background()

	_, err := service.Upsert(ctx, UpsertInput{Content: "body"})
	assert.Error(t, err)

	_, err = service.Upsert(ctx, UpsertInput{Title: "title"})
	assert.Error(t, err)
}

func TestUpsertDefaultsToDraftAndStaysOutOfIndex(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	ctx := context.Background()

	record, err := service.Upsert(ctx, UpsertInput{Title: "Draft", Content: "Not yet public.", Status: "bogus"})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, record.Status)
	assert.Equal(t, 0, service.index.size())
}

func TestUpsertArchivingEvictsFromIndex(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	ctx := context.Background()

	created, err := service.Upsert(ctx, publishedInput("Live", "Published body."))
	require.NoError(t, err)
	assert.Equal(t, 1, service.index.size())

	archived := publishedInput("Live", "Published body.")
	archived.ID = created.ID
	archived.Status = StatusArchived
	_, err = service.Upsert(ctx, archived)
	require.NoError(t, err)
	assert.Equal(t, 0, service.index.size())
}

func TestRetrieveDropsWeakMatches(t *testing.T) {
	embedder := &fakeEmbedder{
		fallback: []float32{0, 1, 0},
		vectors: map[string][]float32{
			"Resetting": {1, 0, 0},
			"Billing":   {-0.95, 0.31, 0},
			"reset":     {1, 0, 0},
		},
	}
	service := newTestService(t, embedder)
	ctx := context.Background()

	_, err := service.Upsert(ctx, publishedInput("Resetting criteria", "How to reset evaluation criteria."))
	require.NoError(t, err)
	_, err = service.Upsert(ctx, publishedInput("Billing FAQ", "Invoices and payment terms."))
	require.NoError(t, err)

	results, err := service.Retrieve(ctx, "how do I reset my criteria", RetrieveOptions{TopK: 5, MinScore: 0.2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Resetting criteria", results[0].Article.Title)
	assert.GreaterOrEqual(t, results[0].Score, 0.2)
}

func TestRetrieveEmptyQuery(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1}})
	results, err := service.Retrieve(context.Background(), "   ", RetrieveOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRetrieveRetriesThenSucceeds(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, failures: 2}
	service := newTestService(t, embedder)
	service.embedAttempts = 3
	ctx := context.Background()

	// seed before the failures are armed would consume one, so seed manually
	embedder.failures = 0
	_, err := service.Upsert(ctx, publishedInput("Only article", "The body."))
	require.NoError(t, err)

	embedder.failures = 2
	results, err := service.Retrieve(ctx, "the body", RetrieveOptions{MinScore: 0.2})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestRetrieveUnavailableAfterExhaustedRetries(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}, failures: 10}
	service := newTestService(t, embedder)
	service.embedAttempts = 3

	_, err := service.Retrieve(context.Background(), "anything", RetrieveOptions{})
	assert.ErrorIs(t, err, ErrRetrievalUnavailable)
	assert.Equal(t, 3, embedder.calls)
}

func TestRebuildWarmsIndexFromPersistedEmbeddings(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1, 0}}
	db := newTestDB(t)
	first, err := NewService(db, embedder)
	require.NoError(t, err)
	require.NoError(t, first.AutoMigrate())

	_, err = first.Upsert(context.Background(), publishedInput("Warm", "Persisted body."))
	require.NoError(t, err)

	second, err := NewService(db, embedder)
	require.NoError(t, err)
	assert.Equal(t, 0, second.index.size())
	require.NoError(t, second.Rebuild(context.Background()))
	assert.Equal(t, 1, second.index.size())
}

func TestRemoveDeletesAndEvicts(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	ctx := context.Background()

	created, err := service.Upsert(ctx, publishedInput("Doomed", "Short lived."))
	require.NoError(t, err)

	require.NoError(t, service.Remove(ctx, created.ID))
	assert.Equal(t, 0, service.index.size())

	_, err = service.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrArticleNotFound)

	assert.ErrorIs(t, service.Remove(ctx, "missing"), ErrArticleNotFound)
}

func TestListFiltersByTag(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1, 0}})
	ctx := context.Background()

	_, err := service.Upsert(ctx, publishedInput("Tagged", "Body.", "billing"))
	require.NoError(t, err)
	_, err = service.Upsert(ctx, publishedInput("Untagged", "Body."))
	require.NoError(t, err)

	records, err := service.List(ctx, Filter{Tag: "billing"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Tagged", records[0].Title)

	all, err := service.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCategoriesRoundTrip(t *testing.T) {
	service := newTestService(t, &fakeEmbedder{fallback: []float32{1}})
	ctx := context.Background()

	category, err := service.CreateCategory(ctx, "  Account & Billing  ")
	require.NoError(t, err)
	assert.Equal(t, "Account & Billing", category.Name)
	assert.Equal(t, "account-billing", category.Slug)

	_, err = service.CreateCategory(ctx, "   ")
	assert.Error(t, err)

	listed, err := service.ListCategories(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, category.ID, listed[0].ID)
}

func TestNormalizeTagsDedupesCaseInsensitively(t *testing.T) {
	tags := normalizeTags([]string{"Billing", "billing", " export ", ""})
	assert.Equal(t, []string{"Billing", "export"}, tags)
}
